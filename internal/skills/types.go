// Package skills discovers, catalogs, searches, and loads progressive-
// disclosure ".agents/skills/<name>/SKILL.md" packages, following the repo
// chain (project root down to the working directory) plus the user's
// "~/.agents/skills" directory.
package skills

// Scope indicates which search root a skill was discovered under.
type Scope string

const (
	// ScopeRepo is a skill found under the project's AGENTS chain.
	ScopeRepo Scope = "repo"
	// ScopeUser is a skill found under the user's home directory.
	ScopeUser Scope = "user"
)

// Skill is one discovered SKILL.md package.
type Skill struct {
	// Name is the skill identifier; must equal the containing directory
	// name and match ^[a-z0-9]+(-[a-z0-9]+)*$.
	Name string `json:"name"`
	// Description is the one-line frontmatter description used for search.
	Description string `json:"description"`
	// Dir is the canonical directory containing SKILL.md.
	Dir string `json:"dir"`
	// Path is the canonical path to the SKILL.md file itself.
	Path string `json:"path"`
	// Scope records which search root this skill was found under.
	Scope Scope `json:"scope"`
	// ModTime is the SKILL.md file's modification time at catalog time,
	// in Unix nanoseconds, used for the already-loaded check.
	ModTime int64 `json:"modTime"`
}

// Score weights per spec.md §4.7's search-scoring rules.
const (
	scoreExactPath     = 1000
	scoreExactName     = 900
	scorePrefix        = 700
	scoreTokenOverlap  = 100
)

// SearchResult pairs a skill with its computed relevance score.
type SearchResult struct {
	Skill Skill
	Score int
}
