// Package config provides configuration loading, merging, and path management for Codelia.
//
// This package handles the complex configuration system that supports multiple sources
// and formats, with a hierarchical loading strategy that ensures proper precedence
// and compatibility with both TypeScript and Go implementations.
//
// # Configuration Loading
//
// The Load function implements a sophisticated configuration loading strategy that
// searches for and merges configuration from multiple sources in priority order:
//
//  1. Global config (~/.config/codelia/ - XDG compatible)
//  2. Global config (~/.codelia/ - TypeScript compatible)
//  3. Project config (.codelia/codelia.json and .codelia/codelia.jsonc in the
//     given directory)
//  4. CODELIA_CONFIG file
//  5. CODELIA_CONFIG_CONTENT inline JSON
//  6. Environment variables
//
// Configuration files are loaded in a specific order to ensure that more specific
// configurations override more general ones, while environment variables have the
// highest precedence.
//
// # Supported Formats
//
// The package supports both JSON and JSONC (JSON with Comments) formats:
//   - codelia.json - Standard JSON configuration
//   - codelia.jsonc - JSON with comments, processed using tidwall/jsonc
//
// # Variable Interpolation
//
// Configuration files support two types of variable interpolation:
//   - {env:VAR_NAME} - Expands to environment variable values
//   - {file:path} - Expands to file contents (properly escaped for JSON)
//
// File paths in {file:path} placeholders support:
//   - Absolute paths
//   - Relative paths (resolved relative to config file directory)
//   - Home directory expansion (~/)
//
// Example configuration with interpolation:
//
//	{
//	  "provider": {
//	    "anthropic": {
//	      "options": {
//	        "apiKey": "{env:ANTHROPIC_API_KEY}"
//	      }
//	    }
//	  },
//	  "instructions": [
//	    "{file:~/custom-instructions.txt}"
//	  ]
//	}
//
// # Configuration Merging
//
// When multiple configuration sources are found, they are merged layer by layer:
//   - Non-empty scalar values (strings) overwrite earlier ones
//   - Map-valued fields (provider, agent, command, mcp, tools, prompt
//     variables) combine keys; a later entry replaces an earlier entry with
//     the same key whole, without merging its fields
//   - Instructions are appended
//   - The permission, watcher and experimental blocks are replaced whole
//
// # Path Management
//
// The package provides XDG Base Directory Specification compliant path management
// through the Paths type:
//   - Data: ~/.local/share/codelia (XDG_DATA_HOME)
//   - Config: ~/.config/codelia (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/codelia (XDG_CACHE_HOME)
//   - State: ~/.local/state/codelia (XDG_STATE_HOME)
//
// On Windows, these paths are adapted to use APPDATA as appropriate.
//
// # Environment Variable Overrides
//
// Several environment variables provide direct configuration overrides:
//   - CODELIA_MODEL - Override the default model
//   - CODELIA_SMALL_MODEL - Override the small model
//   - CODELIA_CONFIG - Path to a specific config file
//   - CODELIA_CONFIG_CONTENT - Inline JSON configuration
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY, AWS_ACCESS_KEY_ID -
//     fill a provider's APIKey when the config leaves it empty
//
// Permissions and the config directory have no environment override.
//
// # TypeScript Compatibility
//
// The configuration system maintains compatibility with the TypeScript implementation
// by supporting the ~/.codelia directory structure and TypeScript-style provider
// configuration with Options objects.
//
// # Usage Example
//
//	// Load configuration from the current directory
//	config, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Get standard paths
//	paths := config.GetPaths()
//	err = paths.EnsurePaths() // Create directories if they don't exist
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Save configuration
//	err = config.Save(config, config.GlobalConfigPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Project Config Location
//
// Project configuration is read only from the .codelia directory of the
// directory passed to Load. Parent directories are not searched, and a
// codelia.json placed directly in that directory is not loaded.
package config