package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "secret.key")
	box, err := Open(keyPath)
	require.NoError(t, err)

	sealed, err := box.Seal("my-api-secret")
	require.NoError(t, err)
	assert.NotEqual(t, "my-api-secret", sealed)

	assert.Equal(t, "my-api-secret", box.MustOpenValue(sealed))
}

func TestKeyGeneratedWithRestrictedMode(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "secret.key")
	_, err := Open(keyPath)
	require.NoError(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestReopenUsesSameKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "secret.key")
	box1, err := Open(keyPath)
	require.NoError(t, err)
	sealed, err := box1.Seal("passphrase")
	require.NoError(t, err)

	box2, err := Open(keyPath)
	require.NoError(t, err)
	assert.Equal(t, "passphrase", box2.MustOpenValue(sealed))
}

func TestPlaintextFallback(t *testing.T) {
	box, err := Open(filepath.Join(t.TempDir(), "secret.key"))
	require.NoError(t, err)

	// Legacy rows stored before encryption come back untouched.
	assert.Equal(t, "legacy-plain-key", box.MustOpenValue("legacy-plain-key"))
	assert.Equal(t, "", box.MustOpenValue(""))
}

func TestDistinctNoncePerSeal(t *testing.T) {
	box, err := Open(filepath.Join(t.TempDir(), "secret.key"))
	require.NoError(t, err)

	a, err := box.Seal("same")
	require.NoError(t, err)
	b, err := box.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
