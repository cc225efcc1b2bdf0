package crypto

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKMSPersistsMasterKeys(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	kms, err := NewFileKMS(dir)
	require.NoError(t, err)
	plain, wrapped, err := kms.GenerateDataKey(ctx, "cards")
	require.NoError(t, err)
	assert.Len(t, plain, 32)
	assert.NotEqual(t, plain, wrapped)

	info, err := os.Stat(filepath.Join(dir, "cards.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A new instance over the same directory unwraps old data keys.
	reopened, err := NewFileKMS(dir)
	require.NoError(t, err)
	got, err := reopened.Decrypt(ctx, "cards", wrapped)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestFileKMSDecryptErrors(t *testing.T) {
	ctx := context.Background()
	kms, err := NewFileKMS(t.TempDir())
	require.NoError(t, err)

	_, err = kms.Decrypt(ctx, "missing", []byte("whatever-wrapped-key"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, wrapped, err := kms.GenerateDataKey(ctx, "cards")
	require.NoError(t, err)
	_, err = kms.Decrypt(ctx, "cards", wrapped[:4])
	assert.Error(t, err)

	_, _, err = kms.GenerateDataKey(ctx, "../escape")
	assert.Error(t, err)
	_, _, err = kms.GenerateDataKey(ctx, "")
	assert.Error(t, err)
}

func TestNewFileKMSRejectsCorruptKeys(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.key"), []byte("not-hex"), 0o600))
	_, err := NewFileKMS(dir)
	assert.Error(t, err)
}
