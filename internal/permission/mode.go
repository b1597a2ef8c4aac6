package permission

import (
	"fmt"
)

// Mode is one of the three approval-mode policies spec.md §4.5 names.
type Mode string

const (
	ModeMinimal    Mode = "minimal"
	ModeTrusted    Mode = "trusted"
	ModeFullAccess Mode = "full-access"
)

func (m Mode) valid() bool {
	switch m {
	case ModeMinimal, ModeTrusted, ModeFullAccess:
		return true
	default:
		return false
	}
}

// Source names where a resolved Mode came from, for diagnostics (P5,
// scenario 6 in spec.md §8: "active mode is full-access, source cli").
type Source string

const (
	SourceCLI     Source = "cli"
	SourceEnv     Source = "env"
	SourceProject Source = "project"
	SourceDefault Source = "default"
	SourceStartup Source = "startup"
	SourceFallback Source = "fallback"
)

// EnvVar is the environment variable consulted at the env precedence
// level.
const EnvVar = "CODELIA_APPROVAL_MODE"

// Resolved is the outcome of approval-mode resolution.
type Resolved struct {
	Mode   Mode
	Source Source
}

// ResolveInput carries one candidate value per precedence level. Any
// field left empty is skipped (falls through to the next level).
type ResolveInput struct {
	CLI     string // --approval-mode
	Env     string // CODELIA_APPROVAL_MODE
	Project string // per-project policy
	Default string // default policy (e.g. from config.json)
	Startup string // interactive startup selection
}

// DefaultFallback is the mode used when nothing else resolves, per
// spec.md §4.5's "fallback" precedence level.
const DefaultFallback = ModeMinimal

// Resolve applies the CLI > env > project > default > startup > fallback
// precedence chain (spec.md §4.5, P5). An invalid value at ANY populated
// level is fatal — it does not fall through to the next level — per P5's
// "invalid at any level aborts resolution".
func Resolve(in ResolveInput) (Resolved, error) {
	levels := []struct {
		source Source
		value  string
	}{
		{SourceCLI, in.CLI},
		{SourceEnv, in.Env},
		{SourceProject, in.Project},
		{SourceDefault, in.Default},
		{SourceStartup, in.Startup},
	}

	for _, lvl := range levels {
		if lvl.value == "" {
			continue
		}
		mode := Mode(lvl.value)
		if !mode.valid() {
			return Resolved{}, fmt.Errorf("permission: invalid approval mode %q at %s precedence level", lvl.value, lvl.source)
		}
		return Resolved{Mode: mode, Source: lvl.source}, nil
	}

	return Resolved{Mode: DefaultFallback, Source: SourceFallback}, nil
}

// BuiltinsFor returns the built-in per-PermissionType default actions for
// a resolved approval mode, before any global/project/session rule
// overrides are layered on top (§4.5's "built-ins for the active mode").
func BuiltinsFor(mode Mode) AgentPermissions {
	switch mode {
	case ModeFullAccess:
		return AgentPermissions{
			Edit:        ActionAllow,
			WebFetch:    ActionAllow,
			ExternalDir: ActionAllow,
			DoomLoop:    ActionAsk,
			Bash:        map[string]PermissionAction{"*": ActionAllow},
		}
	case ModeTrusted:
		return AgentPermissions{
			Edit:        ActionAllow,
			WebFetch:    ActionAllow,
			ExternalDir: ActionAsk,
			DoomLoop:    ActionAsk,
			Bash:        map[string]PermissionAction{"*": ActionAsk},
		}
	default: // ModeMinimal
		return DefaultAgentPermissions()
	}
}
