package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillFilename is the expected filename for a skill's definition.
const SkillFilename = "SKILL.md"

// nameFormat matches spec.md §4.7's required skill-name shape.
var nameFormat = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ParseFile reads and parses a SKILL.md file, validating that its
// frontmatter name matches dirName (the directory it lives in).
func ParseFile(path, dirName string) (frontmatter frontmatter, body string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return frontmatter, "", fmt.Errorf("skills: read %s: %w", path, err)
	}
	return Parse(data, dirName)
}

// Parse splits SKILL.md content into frontmatter and body, validating the
// frontmatter against spec.md §4.7's rules.
func Parse(data []byte, dirName string) (fm frontmatter, body string, err error) {
	raw, rest, err := splitFrontmatter(data)
	if err != nil {
		return fm, "", err
	}
	if err := yaml.Unmarshal(raw, &fm); err != nil {
		return fm, "", fmt.Errorf("skills: parse frontmatter: %w", err)
	}
	if fm.Name == "" {
		return fm, "", fmt.Errorf("skills: frontmatter missing required 'name'")
	}
	if fm.Description == "" {
		return fm, "", fmt.Errorf("skills: frontmatter missing required 'description'")
	}
	if !nameFormat.MatchString(fm.Name) {
		return fm, "", fmt.Errorf("skills: name %q must match %s", fm.Name, nameFormat.String())
	}
	if dirName != "" && fm.Name != dirName {
		return fm, "", fmt.Errorf("skills: name %q must match directory name %q", fm.Name, dirName)
	}
	return fm, strings.TrimSpace(string(rest)), nil
}

// splitFrontmatter separates leading "---"-delimited YAML frontmatter from
// the markdown body.
func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("skills: empty file")
	}
	if strings.TrimSpace(scanner.Text()) != "---" {
		return nil, nil, fmt.Errorf("skills: missing opening frontmatter delimiter")
	}

	var fmLines []string
	closed := false
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "---" {
			closed = true
			break
		}
		fmLines = append(fmLines, scanner.Text())
	}
	if !closed {
		return nil, nil, fmt.Errorf("skills: missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("skills: scan: %w", err)
	}

	return []byte(strings.Join(fmLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
