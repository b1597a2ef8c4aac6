package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Caps bound how much of a skill directory's sibling files get enumerated
// on load, preventing a single skill_load call from blowing out context.
type Caps struct {
	MaxFiles int
	MaxBytes int64
}

// DefaultCaps matches the teacher's general file-enumeration budget.
var DefaultCaps = Caps{MaxFiles: 100, MaxBytes: 1024 * 1024}

// Loader tracks which skills have already been loaded (by canonical path
// and mtime) so a second load of an unchanged skill can return a terse
// reminder instead of the full body again.
type Loader struct {
	caps Caps

	mu     sync.Mutex
	loaded map[string]int64 // canonical SKILL.md path -> mtime (unix nanos) at load time
}

// NewLoader creates a Loader with the given caps.
func NewLoader(caps Caps) *Loader {
	return &Loader{caps: caps, loaded: make(map[string]int64)}
}

// Load returns the <skill_context> envelope for the given skill, or a
// terse "already loaded" reminder if it was already loaded at its current
// mtime.
func (l *Loader) Load(s Skill) (string, error) {
	l.mu.Lock()
	prevMTime, known := l.loaded[s.Path]
	l.mu.Unlock()

	if known && prevMTime == s.ModTime {
		return fmt.Sprintf("Skill %q is already loaded and unchanged; its content remains available in context.", s.Name), nil
	}

	_, body, err := ParseFile(s.Path, filepath.Base(s.Dir))
	if err != nil {
		return "", fmt.Errorf("skills: load %s: %w", s.Name, err)
	}

	siblings, truncated, err := l.listSiblings(s.Dir)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<skill_context name=%q path=%q>\n", s.Name, s.Path)
	b.WriteString(body)
	b.WriteString("\n\n")
	if len(siblings) > 0 {
		b.WriteString("Files in this skill's directory:\n")
		for _, f := range siblings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		if truncated {
			b.WriteString("(listing truncated)\n")
		}
	}
	b.WriteString("</skill_context>")

	l.mu.Lock()
	l.loaded[s.Path] = s.ModTime
	l.mu.Unlock()

	return b.String(), nil
}

// listSiblings enumerates files under dir (excluding SKILL.md itself),
// dropping symlinks that escape dir, and capping by file count and total
// bytes visited.
func (l *Loader) listSiblings(dir string) (files []string, truncated bool, err error) {
	canonicalDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		canonicalDir = dir
	}

	var total int64
	count := 0
	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}
		if rel == SkillFilename {
			return nil
		}

		if d.Type()&os.ModeSymlink != 0 {
			target, evalErr := filepath.EvalSymlinks(path)
			if evalErr != nil {
				return nil
			}
			if !within(canonicalDir, target) {
				return nil // symlink escapes the skill directory, drop it
			}
		}

		if count >= l.caps.MaxFiles {
			truncated = true
			return filepath.SkipAll
		}
		info, statErr := d.Info()
		if statErr == nil {
			total += info.Size()
			if total > l.caps.MaxBytes {
				truncated = true
				return filepath.SkipAll
			}
		}

		files = append(files, rel)
		count++
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		return nil, false, walkErr
	}

	sort.Strings(files)
	return files, truncated, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
