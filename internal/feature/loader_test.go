package feature

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/logging"
)

const yamlFeatures = `features:
  - id: auth
    name: Authentication
    priority: 1
    steps: [add login handler]
    contract:
      package: ./internal/auth
      tests: [TestLogin]
      assertions: [TestLogin/rejects_bad_password]
  - id: profile
    name: Profile page
    priority: 2
    dependencies: [auth, auth]
    validators:
      - name: page
        kind: file_exists
        required: true
        paths: [web/profile.html]
`

const tomlFeatures = `
[[features]]
id = "auth"
name = "Authentication"
priority = 1

[[features]]
id = "profile"
dependencies = ["auth"]
`

func TestParse_YAML(t *testing.T) {
	fs, err := Parse([]byte(yamlFeatures), ".yaml")
	require.NoError(t, err)
	require.Len(t, fs, 2)

	assert.Equal(t, "auth", fs[0].ID)
	require.NotNil(t, fs[0].Contract)
	assert.Equal(t, []string{"TestLogin"}, fs[0].Contract.Tests)
	assert.Equal(t, []string{"auth"}, fs[1].Dependencies, "duplicate deps collapse")
	require.Len(t, fs[1].Validators, 1)
	assert.Equal(t, Validator{Name: "page", Kind: "file_exists", Required: true, Paths: []string{"web/profile.html"}}, fs[1].Validators[0])

	c := fs[1].Clone()
	c.Validators[0].Paths[0] = "changed"
	assert.Equal(t, "web/profile.html", fs[1].Validators[0].Paths[0])
}

func TestParse_TOML(t *testing.T) {
	fs, err := Parse([]byte(tomlFeatures), ".toml")
	require.NoError(t, err)
	require.Len(t, fs, 2)
	assert.Equal(t, 1, fs[0].Priority)
	assert.Equal(t, []string{"auth"}, fs[1].Dependencies)
}

func TestParse_JSON(t *testing.T) {
	fs, err := Parse([]byte(`{"features":[{"id":"a","priority":3}]}`), ".json")
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, 3, fs[0].Priority)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		ext  string
	}{
		{"missing id", "features:\n  - name: x\n", ".yaml"},
		{"duplicate id", "features:\n  - id: a\n  - id: a\n", ".yaml"},
		{"unknown field", "features:\n  - id: a\n    colour: red\n", ".yaml"},
		{"unnamed validator", "features:\n  - id: a\n    validators: [{kind: lint_clean}]\n", ".yaml"},
		{"empty contract", "features:\n  - id: a\n    contract: {package: ./x}\n", ".yaml"},
		{"unknown toml key", "[[features]]\nid = \"a\"\nshape = 1\n", ".toml"},
		{"extension", "{}", ".ini"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.ext)
			require.Error(t, err)
			assert.True(t, errs.IsValidation(err), "got %v", err)
		})
	}
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Feature{ID: "old"}, Feature{ID: "busy"}, Feature{ID: "auth", Passes: true})
	_, err := s.Claim(ctx, "busy")
	require.NoError(t, err)

	res, err := Sync(ctx, s, []Feature{{ID: "auth", Name: "Auth"}, {ID: "new"}})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"auth", "new"}, res.Upserted)
	assert.Equal(t, []string{"old"}, res.Removed)
	assert.Equal(t, []string{"busy"}, res.Kept)

	auth, err := s.Get(ctx, "auth")
	require.NoError(t, err)
	assert.True(t, auth.Passes, "sync keeps completion state")
	assert.Equal(t, "Auth", auth.Name)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.yaml")
	require.NoError(t, os.WriteFile(path, []byte("features:\n  - id: a\n"), 0600))

	s := NewMemoryStore()
	reloaded := make(chan SyncResult, 4)
	w, err := NewWatcher(path, s, func(_ context.Context, res SyncResult) {
		reloaded <- res
	}, logging.NewNop())
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(yamlFeatures), 0600))

	select {
	case res := <-reloaded:
		assert.ElementsMatch(t, []string{"auth", "profile"}, res.Upserted)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}

	fs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, fs, 2)
}
