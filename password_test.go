package perch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewKeyDerivation(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	k1, err := newKey("correct horse", dir, "salt")
	require.NoError(err)
	require.Len(k1, 32)

	// same password and salt file, same key
	k2, err := newKey("correct horse", dir, "salt")
	require.NoError(err)
	require.Equal(k1, k2)

	// different password, different key
	k3, err := newKey("battery staple", dir, "salt")
	require.NoError(err)
	require.NotEqual(k1, k3)

	// a fresh salt produces a different key for the same password
	k4, err := newKey("correct horse", t.TempDir(), "salt")
	require.NoError(err)
	require.NotEqual(k1, k4)

	// the salt file is 16 bytes
	info, err := os.Stat(filepath.Join(dir, "salt"))
	require.NoError(err)
	require.Equal(int64(16), info.Size())
}
