package skills

import (
	"sort"
	"strings"
)

// Search scores every cataloged skill against query per spec.md §4.7's
// rules (exact_path 1000, exact_name 900, prefix 700, token_overlap
// 100+overlap count), ties broken by scope (repo before user) then
// canonical path, and returns only skills that matched at all.
func (c *Catalog) Search(query string) []SearchResult {
	q := strings.TrimSpace(strings.ToLower(query))
	if q == "" {
		return nil
	}
	qTokens := tokenize(q)

	var results []SearchResult
	for _, s := range c.All() {
		score := scoreSkill(s, q, qTokens)
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{Skill: s, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Skill.Scope != results[j].Skill.Scope {
			return results[i].Skill.Scope == ScopeRepo
		}
		return results[i].Skill.Path < results[j].Skill.Path
	})
	return results
}

func scoreSkill(s Skill, q string, qTokens []string) int {
	lowerPath := strings.ToLower(s.Path)
	lowerName := strings.ToLower(s.Name)

	if lowerPath == q {
		return scoreExactPath
	}
	if lowerName == q {
		return scoreExactName
	}
	if strings.HasPrefix(lowerName, q) || strings.HasPrefix(lowerPath, q) {
		return scorePrefix
	}

	overlap := tokenOverlap(qTokens, tokenize(lowerName+" "+strings.ToLower(s.Description)))
	if overlap > 0 {
		return scoreTokenOverlap + overlap
	}
	return 0
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

func tokenOverlap(a, b []string) int {
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	count := 0
	seen := make(map[string]struct{}, len(a))
	for _, t := range a {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			count++
		}
	}
	return count
}
