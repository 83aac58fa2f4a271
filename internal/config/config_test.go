package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadRoundTripsWrittenDefault(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "henhouse.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestWriteDefaultDoesNotOverwriteExisting(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "henhouse.yaml")
	require.NoError(t, WriteDefault(path))

	customized := []byte("resolution: 99\n")
	require.NoError(t, os.WriteFile(path, customized, 0o644))

	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(99), cfg.Resolution)
}

func TestValidateRejectsZeroResolution(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Resolution = 0

	require.Error(t, cfg.Validate())
}

func TestValidateRejectsMatchingPorts(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.PutPort = cfg.HTTPPort

	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsDefaults(t *testing.T) {
	t.Parallel()

	require.NoError(t, Default().Validate())
}
