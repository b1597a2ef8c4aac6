package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kousw/codelia/internal/agent"
	"github.com/kousw/codelia/internal/agentsmd"
	"github.com/kousw/codelia/internal/config"
	"github.com/kousw/codelia/internal/executor"
	"github.com/kousw/codelia/internal/logging"
	"github.com/kousw/codelia/internal/mcp"
	"github.com/kousw/codelia/internal/permission"
	"github.com/kousw/codelia/internal/provider"
	"github.com/kousw/codelia/internal/rpc"
	"github.com/kousw/codelia/internal/sandbox"
	"github.com/kousw/codelia/internal/sessionstore"
	"github.com/kousw/codelia/internal/storage"
	"github.com/kousw/codelia/internal/tool"
	"github.com/kousw/codelia/internal/toolcache"
)

var (
	rpcDir          string
	rpcApprovalMode string
)

// rpcCmd starts the run orchestrator's JSON-RPC stdio interface (spec.md
// §6): the sole contract a TUI or web front-end speaks against this
// process, framed as newline-delimited JSON-RPC 2.0 over stdin/stdout.
var rpcCmd = &cobra.Command{
	Use:   "rpc",
	Short: "Start the JSON-RPC run orchestrator over stdio",
	Long: `Start the coding-agent runtime as a JSON-RPC 2.0 server framed over
newline-delimited stdin/stdout, for driving from a TUI or web front-end
(spec.md §6). Every filesystem tool is confined to the sandbox root, which
defaults to the process's working directory and can be overridden with
CODELIA_SANDBOX_ROOT.`,
	RunE: runRPC,
}

func init() {
	rpcCmd.Flags().StringVar(&rpcDir, "directory", "", "Working directory (sandbox root)")
	rpcCmd.Flags().StringVar(&rpcApprovalMode, "approval-mode", "", "Approval mode: minimal, trusted, or full-access")
	rootCmd.AddCommand(rpcCmd)
}

func runRPC(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(rpcDir)
	if err != nil {
		return err
	}

	sandboxRoot := os.Getenv("CODELIA_SANDBOX_ROOT")
	if sandboxRoot == "" {
		sandboxRoot = workDir
	}
	sbox, err := sandbox.New(sandboxRoot, workDir, "")
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if model := GetGlobalModel(); model != "" {
		appConfig.Model = model
	}

	store := storage.New(paths.StoragePath())

	ctx := context.Background()
	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to initialize some providers")
	}

	toolReg := tool.DefaultRegistry(sbox.WorkingDir(), store)

	mcpAuth, err := mcp.LoadTokenStore(filepath.Join(paths.StoragePath(), "mcp-auth.json"))
	if err != nil {
		return err
	}

	mcpClient := mcp.NewClient()
	mcpClient.SetAuthStore(mcpAuth)
	if appConfig.MCP != nil {
		for name, mcfg := range appConfig.MCP {
			enabled := mcfg.Enabled == nil || *mcfg.Enabled
			cfg := &mcp.Config{
				Enabled:     enabled,
				Type:        mcp.TransportType(mcfg.Type),
				URL:         mcfg.URL,
				Headers:     mcfg.Headers,
				Command:     mcfg.Command,
				Environment: mcfg.Environment,
				Timeout:     mcfg.Timeout,
			}
			if mcfg.OAuth != nil {
				cfg.OAuth = &mcp.OAuthConfig{
					TokenURL:     mcfg.OAuth.TokenURL,
					ClientID:     mcfg.OAuth.ClientID,
					ClientSecret: mcfg.OAuth.ClientSecret,
					Scope:        mcfg.OAuth.Scope,
				}
			}
			if err := mcpClient.AddServer(ctx, name, cfg); err != nil {
				logging.Warn().Err(err).Str("server", name).Msg("failed to connect MCP server")
			}
		}
		mcp.RegisterMCPTools(mcpClient, toolReg)
	}

	sessions, err := sessionstore.New(filepath.Join(paths.StoragePath(), "sessions"))
	if err != nil {
		return err
	}

	projects, err := permission.LoadProjectsStore(filepath.Join(paths.StoragePath(), "projects.json"))
	if err != nil {
		return err
	}
	projectKey := permission.CanonicalKey(sbox.RootDir())

	resolved, err := permission.Resolve(permission.ResolveInput{
		CLI:     rpcApprovalMode,
		Env:     os.Getenv(permission.EnvVar),
		Project: string(projects.Get(projectKey).ApprovalMode),
	})
	if err != nil {
		return err
	}
	logging.Info().Str("mode", string(resolved.Mode)).Str("source", string(resolved.Source)).Msg("resolved approval mode")

	cache, err := toolcache.New(toolcache.Config{
		Dir:      filepath.Join(paths.StoragePath(), "cache", "tool-output"),
		MaxBytes: toolcache.DefaultMaxBytes,
	})
	if err != nil {
		return err
	}

	defaultModel := appConfig.Model
	if defaultModel == "" {
		if m, err := providerReg.DefaultModel(); err == nil {
			defaultModel = m.ProviderID + "/" + m.ID
		}
	}

	// Task tool: subagents run their own nested agent loop
	agentReg := agent.NewRegistry()
	toolReg.RegisterTaskTool(agentReg)
	toolReg.SetTaskExecutor(executor.NewSubagentExecutor(executor.SubagentExecutorConfig{
		Storage:          store,
		ProviderRegistry: providerReg,
		ToolRegistry:     toolReg,
		AgentRegistry:    agentReg,
		Projects:         projects,
		Mode:             resolved.Mode,
		ProjectKey:       projectKey,
		WorkDir:          sbox.WorkingDir(),
		DefaultModel:     defaultModel,
	}))

	deps := rpc.Deps{
		Sandbox:      sbox,
		Tools:        toolReg,
		Providers:    providerReg,
		Sessions:     sessions,
		Projects:     projects,
		Agents:       agentsmd.New(),
		MCP:          mcpClient,
		MCPAuth:      mcpAuth,
		Cache:        cache,
		DefaultMode:  resolved.Mode,
		ProjectKey:   projectKey,
		DefaultModel: defaultModel,
	}

	srv := rpc.NewServer(os.Stdin, os.Stdout, deps, Version)
	logging.Info().Str("directory", sbox.WorkingDir()).Msg("codelia rpc server ready on stdio")
	return srv.Serve(ctx)
}
