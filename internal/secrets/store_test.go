package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmptyCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	creds, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, creds)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otus", "credentials.json")
	want := Credentials{OpenRouterAPIKey: "or-key", VoyageAPIKey: "voyage-key"}

	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSaveWritesOwnerOnlyPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, Save(path, Credentials{OpenRouterAPIKey: "x"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSaveOverwritesPreviousCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, Save(path, Credentials{OpenRouterAPIKey: "first"}))
	require.NoError(t, Save(path, Credentials{OpenRouterAPIKey: "second"}))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "second", got.OpenRouterAPIKey)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
