package skills

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/kousw/codelia/internal/logging"
)

// UserSkillsDir is the per-user skills directory, relative to $HOME.
const UserSkillsDir = ".agents/skills"

// RepoSkillsDirName is the skills directory name looked up at every level
// of the AGENTS project chain.
const RepoSkillsDirName = ".agents/skills"

// Catalog holds the deduplicated set of discovered skills.
type Catalog struct {
	byCanonicalPath map[string]Skill
}

// EmptyCatalog returns a catalog with no skills, used when discovery fails
// so the skill tools can still answer with "no skills found".
func EmptyCatalog() *Catalog {
	return &Catalog{byCanonicalPath: make(map[string]Skill)}
}

// Discover walks chainDirs (project root down to the working directory, as
// produced by internal/agentsmd) plus the user's home skills directory,
// collecting every valid SKILL.md. Skills are deduplicated by the canonical
// path of their SKILL.md file; when the same canonical path is discovered
// under both scopes (a symlinked shared skills dir, for instance) the repo
// scope wins.
func Discover(chainDirs []string, homeDir string) (*Catalog, error) {
	cat := &Catalog{byCanonicalPath: make(map[string]Skill)}

	for _, dir := range chainDirs {
		cat.scanDir(filepath.Join(dir, RepoSkillsDirName), ScopeRepo)
	}
	if homeDir != "" {
		cat.scanDir(filepath.Join(homeDir, UserSkillsDir), ScopeUser)
	}

	return cat, nil
}

func (c *Catalog) scanDir(skillsDir string, scope Scope) {
	entries, err := os.ReadDir(skillsDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		skillPath := filepath.Join(skillsDir, name, SkillFilename)
		info, err := os.Stat(skillPath)
		if err != nil || info.IsDir() {
			continue
		}

		fm, _, err := ParseFile(skillPath, name)
		if err != nil {
			logging.Debug().Str("path", skillPath).Err(err).Msg("skipping invalid skill")
			continue
		}

		canonical, err := filepath.EvalSymlinks(skillPath)
		if err != nil {
			canonical = skillPath
		}
		canonicalDir := filepath.Dir(canonical)

		skill := Skill{
			Name:        fm.Name,
			Description: fm.Description,
			Dir:         canonicalDir,
			Path:        canonical,
			Scope:       scope,
			ModTime:     info.ModTime().UnixNano(),
		}

		if existing, ok := c.byCanonicalPath[canonical]; ok {
			// Repo scope wins over user scope on canonical-path collision.
			if existing.Scope == ScopeRepo || scope == ScopeUser {
				continue
			}
		}
		c.byCanonicalPath[canonical] = skill
	}
}

// All returns every cataloged skill, sorted by name then canonical path for
// deterministic iteration.
func (c *Catalog) All() []Skill {
	out := make([]Skill, 0, len(c.byCanonicalPath))
	for _, s := range c.byCanonicalPath {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// ByName returns the skill with the given name, preferring repo scope if
// (improbably) more than one skill shares a name after dedup.
func (c *Catalog) ByName(name string) (Skill, bool) {
	var found Skill
	ok := false
	for _, s := range c.byCanonicalPath {
		if s.Name != name {
			continue
		}
		if !ok || s.Scope == ScopeRepo {
			found = s
			ok = true
		}
	}
	return found, ok
}
