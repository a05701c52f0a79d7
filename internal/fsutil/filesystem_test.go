package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exercise runs the same checks against any FileSystem rooted at dir.
func exercise(t *testing.T, fsys FileSystem, dir string) {
	t.Helper()
	masks := filepath.Join(dir, "masks", "30VXP")
	require.NoError(t, fsys.MkdirAll(masks, 0o755))
	assert.True(t, fsys.Exists(masks))

	info, err := fsys.Stat(masks)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	png := filepath.Join(masks, "S1.png")
	w, err := fsys.Create(png)
	require.NoError(t, err)
	_, err = io.WriteString(w, "\x89PNG")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := fsys.ReadFile(png)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(data))

	f, err := fsys.Open(png)
	require.NoError(t, err)
	st, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Size())
	assert.Equal(t, "S1.png", st.Name())
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, data, body)
	require.NoError(t, f.Close())

	sidecar := filepath.Join(masks, "S1.json")
	require.NoError(t, fsys.WriteFile(sidecar, []byte(`{"band":"cloud"}`), 0o644))
	info, err = fsys.Stat(sidecar)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	assert.Equal(t, int64(16), info.Size())

	missing := filepath.Join(dir, "nope.json")
	assert.False(t, fsys.Exists(missing))
	_, err = fsys.ReadFile(missing)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = fsys.Open(missing)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = fsys.Stat(missing)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOSFileSystem(t *testing.T) {
	exercise(t, OSFileSystem{}, t.TempDir())
}

func TestMemoryFileSystem(t *testing.T) {
	m := NewMemoryFileSystem()
	exercise(t, m, "archive")

	assert.Equal(t, []string{
		filepath.Join("archive", "masks", "30VXP", "S1.json"),
		filepath.Join("archive", "masks", "30VXP", "S1.png"),
	}, m.Files("archive/masks"))
	assert.Empty(t, m.Files("other"))
	assert.Len(t, m.Files(""), 2)
}

func TestMemoryFileSystemCreateVisibleOnClose(t *testing.T) {
	m := NewMemoryFileSystem()
	w, err := m.Create("out/S1.png")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	data, err := m.ReadFile("out/S1.png")
	require.NoError(t, err)
	assert.Empty(t, data, "content must not appear before Close")

	require.NoError(t, w.Close())
	data, err = m.ReadFile("./out/S1.png")
	require.NoError(t, err)
	assert.Equal(t, "partial", string(data))
}

func TestMemoryFileSystemCopiesData(t *testing.T) {
	m := NewMemoryFileSystem()
	src := []byte("forest")
	require.NoError(t, m.WriteFile("forest.json", src, 0o644))
	src[0] = 'F'

	got, err := m.ReadFile("forest.json")
	require.NoError(t, err)
	assert.Equal(t, "forest", string(got))
	got[0] = 'X'

	again, err := m.ReadFile("forest.json")
	require.NoError(t, err)
	assert.Equal(t, "forest", string(again))
}
