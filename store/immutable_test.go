package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/journalio/store/segment"
	"github.com/stretchr/testify/require"
)

func writeStagedSegment(t *testing.T, stageDir string, start, headerSize int64, data []byte) string {
	t.Helper()
	path := filepath.Join(stageDir, segment.Name(start))
	buf := make([]byte, headerSize+int64(len(data)))
	copy(buf[headerSize:], data)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestImmutableAppendFileInstallsFirstSegment(t *testing.T) {
	dir := t.TempDir()
	stageDir := t.TempDir()
	cfg, err := NewConfig(WithHeaderSize(0), WithDataSize(8))
	require.NoError(t, err)

	im, err := OpenImmutable(dir, 0, Options{Config: cfg})
	require.NoError(t, err)
	defer im.Close()

	require.Equal(t, int64(0), im.Max())

	src := writeStagedSegment(t, stageDir, 0, 0, []byte("abcdefgh"))
	require.NoError(t, im.AppendFile(src))

	require.Equal(t, int64(8), im.Max())
	require.Equal(t, int64(8), im.Flushed())

	got, err := im.Read(0, 8)
	require.NoError(t, err)
	require.Equal(t, "abcdefgh", string(got))
}

func TestImmutableAppendFileRejectsWrongName(t *testing.T) {
	dir := t.TempDir()
	stageDir := t.TempDir()
	cfg, err := NewConfig(WithHeaderSize(0), WithDataSize(8))
	require.NoError(t, err)

	im, err := OpenImmutable(dir, 0, Options{Config: cfg})
	require.NoError(t, err)
	defer im.Close()

	src := writeStagedSegment(t, stageDir, 16, 0, []byte("abcdefgh"))
	err = im.AppendFile(src)
	require.ErrorIs(t, err, ErrIllegalArgument)
}

func TestImmutableUnsupportedOperations(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewConfig(WithHeaderSize(0), WithDataSize(8))
	require.NoError(t, err)

	im, err := OpenImmutable(dir, 0, Options{Config: cfg})
	require.NoError(t, err)
	defer im.Close()

	_, err = im.Append([]byte("x"))
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = im.AppendBatch([][]byte{[]byte("x")})
	require.ErrorIs(t, err, ErrUnsupported)
	require.ErrorIs(t, im.Flush(), ErrUnsupported)
	require.ErrorIs(t, im.Truncate(0), ErrUnsupported)
}
