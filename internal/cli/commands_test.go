package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-registry/internal/config"
	"github.com/shinji-kodama/worktree-registry/internal/coordinator"
	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/testutil"
)

type harness struct {
	c      *coordinator.Coordinator
	prober *testutil.Prober
	ws     *testutil.Workspace
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	color.NoColor = true
	jsonOutput = false
	t.Cleanup(func() { jsonOutput = false })

	repo := filepath.Join(t.TempDir(), "shop")
	require.NoError(t, os.MkdirAll(repo, 0o755))

	cfg := config.Default()
	cfg.Ports = map[string]model.PortRange{
		"web":      {Start: 8000, End: 8001},
		"api":      {Start: 8100, End: 8101},
		"database": {Start: 5400, End: 5401},
		"cache":    {Start: 6300, End: 6301},
		"debug":    {Start: 9200, End: 9201},
		"test":     {Start: 9300, End: 9301},
	}
	cfg.Probe.MaxElapsed = 100 * time.Millisecond
	cfg.Registry.LockTimeout = time.Second

	h := &harness{prober: testutil.NewProber(), ws: testutil.NewWorkspace()}
	c, err := coordinator.New(coordinator.Options{
		RepoRoot:  repo,
		Config:    cfg,
		VCS:       testutil.NewVCS(),
		Workspace: h.ws,
		Prober:    h.prober,
		Now:       testutil.NewClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)).Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	h.c = c
	return h
}

func (h *harness) create(t *testing.T, purpose, name string, services ...string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, runCreate(context.Background(), &out, h.c, purpose, name, &createFlags{services: services}))
	return out.String()
}

func TestRunCreate(t *testing.T) {
	h := newHarness(t)

	out := h.create(t, "feature", "auth", "web,api")
	assert.Contains(t, out, "Created worktree feature-auth")
	assert.Contains(t, out, "Branch: feature/auth")
	assert.Contains(t, out, "Ports:  web=8000,api=8100")
	assert.Len(t, h.ws.Added, 1)
}

func TestRunCreate_InvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var out bytes.Buffer

	err := runCreate(ctx, &out, h.c, "chore", "x", &createFlags{})
	assert.Equal(t, model.ExitValidation, model.ExitCodeFor(err))

	err = runCreate(ctx, &out, h.c, "feature", "x", &createFlags{services: []string{"queue"}})
	assert.Equal(t, model.ExitValidation, model.ExitCodeFor(err))

	h.create(t, "feature", "a", "web")
	h.create(t, "feature", "b", "web")
	err = runCreate(ctx, &out, h.c, "feature", "c", &createFlags{services: []string{"web"}})
	assert.Equal(t, model.ExitPortAllocationFailed, model.ExitCodeFor(err))
}

func TestRunList_JSON(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feature", "auth", "web")
	h.create(t, "bugfix", "login")
	jsonOutput = true

	var out bytes.Buffer
	require.NoError(t, runList(context.Background(), &out, h.c, &listFlags{purpose: "feature"}))

	var got struct {
		Worktrees []struct {
			ID          string `json:"id"`
			Allocations []struct {
				Port int `json:"port"`
			} `json:"allocations"`
		} `json:"worktrees"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got.Worktrees, 1)
	assert.Equal(t, "feature-auth", got.Worktrees[0].ID)
	require.Len(t, got.Worktrees[0].Allocations, 1)
	assert.Equal(t, 8000, got.Worktrees[0].Allocations[0].Port)
}

func TestRunList_Text(t *testing.T) {
	h := newHarness(t)
	var out bytes.Buffer

	require.NoError(t, runList(context.Background(), &out, h.c, &listFlags{}))
	assert.Equal(t, "No worktrees registered.\n", out.String())

	h.create(t, "review", "pr-7", "web")
	out.Reset()
	require.NoError(t, runList(context.Background(), &out, h.c, &listFlags{status: []string{"active"}}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "review-pr-7")
	assert.Contains(t, lines[1], "web=8000")

	err := runList(context.Background(), &out, h.c, &listFlags{status: []string{"running"}})
	assert.Equal(t, model.ExitValidation, model.ExitCodeFor(err))
}

func TestRunRemove_PromptDeclined(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feature", "auth", "web")

	var out bytes.Buffer
	err := runRemove(context.Background(), strings.NewReader("n\n"), &out, h.c, "feature-auth", &removeFlags{})
	assert.Equal(t, model.ExitUserCancelled, model.ExitCodeFor(err))
	assert.Contains(t, out.String(), `About to remove worktree "feature-auth"`)

	views, err := h.c.List(context.Background(), coordinator.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestRunRemove_Confirmed(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feature", "auth", "web,api")

	var out bytes.Buffer
	require.NoError(t, runRemove(context.Background(), strings.NewReader("yes\n"), &out, h.c, "feature-auth", &removeFlags{}))
	assert.Contains(t, out.String(), "Removed worktree feature-auth")
	assert.Contains(t, out.String(), "Released ports: 8000, 8100")
}

func TestRunRemove_Soft(t *testing.T) {
	h := newHarness(t)
	h.create(t, "experiment", "cache")

	var out bytes.Buffer
	require.NoError(t, runRemove(context.Background(), nil, &out, h.c, "experiment-cache", &removeFlags{soft: true}))
	assert.Equal(t, "Marked experiment-cache as pending_removal\n", out.String())
}

func TestRunRemove_UnknownEntry(t *testing.T) {
	h := newHarness(t)
	var out bytes.Buffer
	err := runRemove(context.Background(), strings.NewReader("y\n"), &out, h.c, "feature-none", &removeFlags{})
	assert.Equal(t, model.ExitEntryNotFound, model.ExitCodeFor(err))
}

func TestRunEnv(t *testing.T) {
	h := newHarness(t)
	h.create(t, "feature", "auth", "web,api")

	var out bytes.Buffer
	require.NoError(t, runEnv(context.Background(), &out, h.c, "feature-auth", &envFlags{export: true}))
	assert.Equal(t, strings.Join([]string{
		"export WORKTREE_ID=feature-auth",
		"export WORKTREE_BRANCH=feature/auth",
		"export WEB_PORT=8000",
		"export API_PORT=8100",
	}, "\n")+"\n", out.String())
}

func TestRunConflicts_ExitCode(t *testing.T) {
	h := newHarness(t)
	var out bytes.Buffer

	require.NoError(t, runConflicts(context.Background(), &out, h.c, &conflictsFlags{}))
	assert.Equal(t, "No port conflicts.\n", out.String())

	h.create(t, "feature", "auth", "web")
	h.prober.Bind(8000, 77, "/srv/unrelated")
	out.Reset()
	err := runConflicts(context.Background(), &out, h.c, &conflictsFlags{})
	assert.Equal(t, model.ExitConflict, model.ExitCodeFor(err))
	assert.Contains(t, out.String(), "system_conflict")
}

func TestRunTransitions(t *testing.T) {
	h := newHarness(t)
	h.create(t, "hotfix", "usb")
	ctx := context.Background()

	e, err := h.c.Lock(ctx, "hotfix-usb")
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, printTransition(&out, e))
	assert.Equal(t, "hotfix-usb is now locked\n", out.String())

	var removeOut bytes.Buffer
	err = runRemove(ctx, nil, &removeOut, h.c, "hotfix-usb", &removeFlags{yes: true})
	assert.Equal(t, model.ExitValidation, model.ExitCodeFor(err))
}

func TestRunConfigInit(t *testing.T) {
	color.NoColor = true
	root := t.TempDir()
	var out bytes.Buffer

	require.NoError(t, runConfigInit(&out, root, false))
	path := filepath.Join(root, config.DefaultDir, "config.yaml")
	assert.FileExists(t, path)

	err := runConfigInit(&out, root, false)
	assert.Equal(t, model.ExitValidation, model.ExitCodeFor(err))
	require.NoError(t, runConfigInit(&out, root, true))

	cfg, err := config.Load(root, "")
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, config.Default().Merge.Trunk, cfg.Merge.Trunk)
}
