package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 4096, cfg.Kernel.Pages)
	assert.Equal(t, "localhost:34567", cfg.Syscall.Address)
	assert.Equal(t, 1<<20, cfg.Syscall.MaxFrame)
	assert.Equal(t, 5*time.Second, cfg.Susres.AckTimeout)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("KERNEL_PAGES", "128")
	t.Setenv("SYSCALL_ENABLED", "false")
	t.Setenv("SUSRES_ACK_TIMEOUT", "2s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, 128, cfg.Kernel.Pages)
	assert.False(t, cfg.Syscall.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Susres.AckTimeout)
	// Untouched fields keep their defaults.
	assert.Equal(t, "localhost:34567", cfg.Syscall.Address)
}

func TestLoadTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.toml")
	data := `
[kernel]
pages = 256
init_name = "root"

[syscall]
address = "127.0.0.1:4000"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	t.Setenv("KERNEL_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Kernel.Pages)
	assert.Equal(t, "root", cfg.Kernel.InitName)
	assert.Equal(t, "127.0.0.1:4000", cfg.Syscall.Address)
	// Sections the file omits keep defaults.
	assert.Equal(t, "8000", cfg.Server.Port)
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.toml")
	require.NoError(t, os.WriteFile(path, []byte("[kernel]\npages = 256\n"), 0o644))
	t.Setenv("KERNEL_CONFIG", path)
	t.Setenv("KERNEL_PAGES", "512")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.Kernel.Pages)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("KERNEL_CONFIG", filepath.Join(t.TempDir(), "nope.toml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o644))
	t.Setenv("KERNEL_CONFIG", path)
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Kernel.Pages = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Syscall.MaxFrame = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerSecond = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Susres.AckTimeout = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	t.Setenv("KERNEL_PAGES", "not-a-number")
	cfg := LoadOrDefault()
	assert.Equal(t, 4096, cfg.Kernel.Pages)
}
