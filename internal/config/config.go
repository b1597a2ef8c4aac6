package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/kousw/codelia/pkg/types"
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/codelia/)
// 2. Project config (.codelia/)
// 3. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
		Agent:    make(map[string]types.AgentConfig),
	}

	// 1. Global config (XDG dir, then the ~/.codelia dotfile variant)
	globalPath := GetPaths().Config
	loadConfigFile(filepath.Join(globalPath, "codelia.json"), config)
	loadConfigFile(filepath.Join(globalPath, "codelia.jsonc"), config)
	if home, err := os.UserHomeDir(); err == nil {
		loadConfigFile(filepath.Join(home, ".codelia", "codelia.json"), config)
		loadConfigFile(filepath.Join(home, ".codelia", "codelia.jsonc"), config)
	}

	// 2. Project config
	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".codelia", "codelia.json"), config)
		loadConfigFile(filepath.Join(directory, ".codelia", "codelia.jsonc"), config)
	}

	// 3. Explicit config file / inline content
	if p := os.Getenv("CODELIA_CONFIG"); p != "" {
		loadConfigFile(p, config)
	}
	if content := os.Getenv("CODELIA_CONFIG_CONTENT"); content != "" {
		data := interpolate(stripJSONComments([]byte(content)), "")
		var inline types.Config
		if err := json.Unmarshal(data, &inline); err == nil {
			mergeConfig(config, &inline)
		}
	}

	// 4. Environment variables
	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments if needed
	data = stripJSONComments(data)

	// Expand {env:NAME} / {file:path} placeholders, file paths relative to
	// the config file's own directory
	data = interpolate(data, filepath.Dir(path))

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var interpolatePattern = regexp.MustCompile(`\{(env|file):([^}]+)\}`)

// interpolate expands {env:NAME} and {file:path} placeholders in raw config
// bytes. A missing env var becomes an empty string; a missing file keeps its
// placeholder so the failure surfaces where the value is consumed. File
// contents are trimmed and escaped for a JSON string; a leading ~/ in a file
// path is the home directory.
func interpolate(data []byte, baseDir string) []byte {
	return interpolatePattern.ReplaceAllFunc(data, func(m []byte) []byte {
		groups := interpolatePattern.FindSubmatch(m)
		kind, arg := string(groups[1]), string(groups[2])
		switch kind {
		case "env":
			return []byte(os.Getenv(arg))
		case "file":
			p := arg
			if strings.HasPrefix(p, "~/") {
				if home, err := os.UserHomeDir(); err == nil {
					p = filepath.Join(home, p[2:])
				}
			}
			if !filepath.IsAbs(p) {
				p = filepath.Join(baseDir, p)
			}
			content, err := os.ReadFile(p)
			if err != nil {
				return m
			}
			escaped, err := json.Marshal(string(bytes.TrimSpace(content)))
			if err != nil {
				return m
			}
			return escaped[1 : len(escaped)-1]
		}
		return m
	})
}

// stripJSONComments removes // and /* */ comments and trailing commas from
// JSONC. jsonc is string-aware, so a "https://..." value survives intact.
func stripJSONComments(data []byte) []byte {
	return jsonc.ToJSON(data)
}

// mergeConfig merges source config into target; later layers win per field,
// map-valued fields merge per key.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Username != "" {
		target.Username = source.Username
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.SmallModel != "" {
		target.SmallModel = source.SmallModel
	}
	if source.Theme != "" {
		target.Theme = source.Theme
	}
	if len(source.Instructions) > 0 {
		target.Instructions = append(target.Instructions, source.Instructions...)
	}

	// Merge tool toggles
	if source.Tools != nil {
		if target.Tools == nil {
			target.Tools = make(map[string]bool)
		}
		for k, v := range source.Tools {
			target.Tools[k] = v
		}
	}

	// Merge prompt variables
	if source.PromptVariables != nil {
		if target.PromptVariables == nil {
			target.PromptVariables = make(map[string]string)
		}
		for k, v := range source.PromptVariables {
			target.PromptVariables[k] = v
		}
	}

	// Merge providers
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	// Merge agents
	if source.Agent != nil {
		if target.Agent == nil {
			target.Agent = make(map[string]types.AgentConfig)
		}
		for k, v := range source.Agent {
			target.Agent[k] = v
		}
	}

	// Merge custom commands
	if source.Command != nil {
		if target.Command == nil {
			target.Command = make(map[string]types.CommandConfig)
		}
		for k, v := range source.Command {
			target.Command[k] = v
		}
	}

	// Merge MCP servers
	if source.MCP != nil {
		if target.MCP == nil {
			target.MCP = make(map[string]types.MCPConfig)
		}
		for k, v := range source.MCP {
			target.MCP[k] = v
		}
	}

	if source.Permission != nil {
		target.Permission = source.Permission
	}

	// Merge watcher config
	if source.Watcher != nil {
		target.Watcher = source.Watcher
	}

	// Merge experimental config
	if source.Experimental != nil {
		target.Experimental = source.Experimental
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	// Provider API keys
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GOOGLE_API_KEY",
		"bedrock":   "AWS_ACCESS_KEY_ID",
	}

	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]types.ProviderConfig)
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	// Model override
	if model := os.Getenv("CODELIA_MODEL"); model != "" {
		config.Model = model
	}

	// Small model override
	if smallModel := os.Getenv("CODELIA_SMALL_MODEL"); smallModel != "" {
		config.SmallModel = smallModel
	}
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
