package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveIsContentAddressed(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	payload := []byte{0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00}
	sum := sha256.Sum256(payload)
	wantChecksum := hex.EncodeToString(sum[:])

	artifact, err := store.Save(payload)
	require.NoError(t, err)
	assert.Equal(t, wantChecksum, artifact.Checksum)
	assert.Equal(t, wantChecksum+".tar.gz", artifact.FileName)
	assert.Equal(t, int64(len(payload)), artifact.Size)

	// Saving identical bytes again lands on the same path.
	again, err := store.Save(payload)
	require.NoError(t, err)
	assert.Equal(t, artifact.Path, again.Path)

	entries, err := os.ReadDir(filepath.Dir(artifact.Path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	got, err := store.Retrieve(wantChecksum)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStore_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix permission bits")
	}

	root := filepath.Join(t.TempDir(), "uploads")
	store, err := NewStore(root)
	require.NoError(t, err)

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	artifact, err := store.Save([]byte{0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00})
	require.NoError(t, err)

	info, err = os.Stat(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStore_OpenRejectsBadNames(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	artifact, err := store.Save([]byte{0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00})
	require.NoError(t, err)

	path, err := store.Open(artifact.FileName)
	require.NoError(t, err)
	assert.Equal(t, artifact.Path, path)

	for _, name := range []string{
		"../../etc/passwd",
		"..%2f..%2fetc%2fpasswd",
		"notahash.tar.gz",
		artifact.Checksum + ".zip",
		artifact.Checksum,
		"",
	} {
		_, err = store.Open(name)
		assert.ErrorIs(t, err, ErrNotFound, "name %q", name)
	}

	// Well-formed name, nothing stored under it.
	missing := "0000000000000000000000000000000000000000000000000000000000000000.tar.gz"
	_, err = store.Open(missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteStaysInsideRoot(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	outside := filepath.Join(dir, "precious.txt")
	require.NoError(t, os.WriteFile(outside, []byte("keep me"), 0o600))

	err = store.Delete(outside)
	assert.ErrorIs(t, err, ErrOutsideRoot)
	_, statErr := os.Stat(outside)
	assert.NoError(t, statErr)

	artifact, err := store.Save([]byte{0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	require.NoError(t, store.Delete(artifact.Path))
	_, statErr = os.Stat(artifact.Path)
	assert.True(t, os.IsNotExist(statErr))

	// Deleting an already-missing file is not an error.
	assert.NoError(t, store.Delete(artifact.Path))
}
