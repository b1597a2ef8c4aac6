package rpc

import (
	"bytes"
	"testing"

	"github.com/kousw/codelia/internal/agentsmd"
	"github.com/kousw/codelia/internal/mcp"
	"github.com/kousw/codelia/internal/permission"
	"github.com/kousw/codelia/internal/provider"
	"github.com/kousw/codelia/internal/sandbox"
	"github.com/kousw/codelia/internal/sessionstore"
	"github.com/kousw/codelia/internal/storage"
	"github.com/kousw/codelia/internal/tool"
	"github.com/kousw/codelia/internal/toolcache"
	"github.com/kousw/codelia/pkg/types"
	"github.com/stretchr/testify/require"
)

// newTestServer builds a Server over an in-memory buffer with every
// dependency rooted at a fresh temp directory, for exercising method
// dispatch without any of run.start's model/provider plumbing.
func newTestServer(t *testing.T) (*Server, *bytes.Buffer) {
	t.Helper()

	dir := t.TempDir()
	sbox, err := sandbox.New(dir, dir, "")
	require.NoError(t, err)

	store := storage.New(dir)
	toolReg := tool.NewRegistry(sbox.WorkingDir(), store)
	providerReg := provider.NewRegistry(&types.Config{})

	sessions, err := sessionstore.New(dir + "/sessions")
	require.NoError(t, err)

	projects, err := permission.LoadProjectsStore(dir + "/projects.json")
	require.NoError(t, err)

	cache, err := toolcache.New(toolcache.Config{Dir: dir + "/cache"})
	require.NoError(t, err)

	deps := Deps{
		Sandbox:      sbox,
		Tools:        toolReg,
		Providers:    providerReg,
		Sessions:     sessions,
		Projects:     projects,
		Agents:       agentsmd.New(),
		MCP:          mcp.NewClient(),
		Cache:        cache,
		DefaultMode:  permission.ModeMinimal,
		ProjectKey:   permission.CanonicalKey(dir),
		DefaultModel: "",
	}

	var out bytes.Buffer
	srv := NewServer(new(bytes.Buffer), &out, deps, "test")
	return srv, &out
}
