package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(cwd)) })
	return dir
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := chdirTemp(t)
	yaml := "base_url: https://example.com/repo\nroot: " + filepath.Join(dir, "out") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reposync.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/repo", cfg.BaseURL)
	assert.Equal(t, 5, cfg.PoolCap)
	assert.Equal(t, 2, cfg.RetryBudget)
	require.NoError(t, cfg.Validate())
}

func TestLoadAppliesJSONCOverride(t *testing.T) {
	dir := chdirTemp(t)
	yaml := "base_url: https://example.com/repo\nroot: " + filepath.Join(dir, "out") + "\npool_cap: 5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reposync.yaml"), []byte(yaml), 0644))

	jsoncBody := `{
		// locally bump the pool cap while debugging a slow mirror
		"pool_cap": 9,
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".reposync.jsonc"), []byte(jsoncBody), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.PoolCap)
}

func TestLoadExpandsHomeRelativeInstalledCopyPath(t *testing.T) {
	dir := chdirTemp(t)
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	yaml := "base_url: https://example.com/repo\nroot: " + filepath.Join(dir, "out") +
		"\ninstalled_copy_path: \"~/reposync-installed\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reposync.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "reposync-installed"), cfg.InstalledCopyPath)
}

func TestValidateRejectsMissingBaseURL(t *testing.T) {
	cfg := &RepositoryConfig{Root: "/tmp/x", PoolCap: 1}
	assert.Error(t, cfg.Validate())
}

func TestBuildFilterCombinesGlobAndGitignore(t *testing.T) {
	cfg := &RepositoryConfig{
		GlobExcludes:      []string{"*.tmp"},
		GitignoreExcludes: []string{"/build"},
	}
	f, err := cfg.BuildFilter()
	require.NoError(t, err)

	d, _ := f.Decide("scratch.tmp")
	assert.NotEqual(t, 0, int(d))
	d, _ = f.Decide("build/out")
	assert.NotEqual(t, 0, int(d))
	d, _ = f.Decide("keep.txt")
	assert.Equal(t, 0, int(d))
}
