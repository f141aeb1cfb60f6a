package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFiletype(t *testing.T) {
	for s, want := range map[string]Filetype{
		"zip":   FiletypeZip,
		"TAR":   FiletypeTar,
		"Infer": FiletypeInfer,
	} {
		got, err := ParseFiletype(s)
		require.NoErrorf(t, err, "ParseFiletype(%q)", s)
		assert.Equal(t, want, got)
	}
	_, err := ParseFiletype("rar")
	require.ErrorContains(t, err, "rar")
}

func TestFiletypeResolve(t *testing.T) {
	tests := []struct {
		path    string
		ft      Filetype
		want    Filetype
		wantErr bool
	}{
		{path: "imgs.zip", ft: FiletypeInfer, want: FiletypeZip},
		{path: "imgs.ZIP", ft: FiletypeInfer, want: FiletypeZip},
		{path: "imgs.tar", ft: FiletypeInfer, want: FiletypeTar},
		{path: "imgs.tgz", ft: FiletypeInfer, want: FiletypeTar},
		{path: "imgs.tar.gz", ft: FiletypeInfer, want: FiletypeTar},
		{path: "imgs.tar.bz2", ft: FiletypeInfer, want: FiletypeTar},
		{path: "imgs.bin", ft: FiletypeInfer, wantErr: true},
		{path: "imgs.bin", ft: FiletypeZip, want: FiletypeZip},
		{path: "imgs.zip", ft: FiletypeTar, want: FiletypeTar},
	}
	for _, test := range tests {
		got, err := test.ft.Resolve(test.path)
		if test.wantErr {
			require.ErrorContainsf(t, err, "input_images_filetype", "Resolve(%q, %q)", test.ft, test.path)
			continue
		}
		require.NoErrorf(t, err, "Resolve(%q, %q)", test.ft, test.path)
		assert.Equal(t, test.want, got)
	}
}

func TestExtractArchiveZip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "files.zip")
	buildZip(t, archive, map[string][]byte{
		"hello.txt":        []byte("hello"),
		"nested/world.txt": []byte("world"),
	})

	destDir := filepath.Join(dir, "out")
	require.NoError(t, ExtractArchive(archive, destDir, FiletypeInfer))
	content, err := os.ReadFile(filepath.Join(destDir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
	content, err = os.ReadFile(filepath.Join(destDir, "nested", "world.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(content))
}

func TestExtractArchiveTar(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "files.tar")
	buildTarArchive(t, archive, map[string][]byte{"hello.txt": []byte("hello")})

	destDir := filepath.Join(dir, "out")
	require.NoError(t, ExtractArchive(archive, destDir, FiletypeInfer))
	content, err := os.ReadFile(filepath.Join(destDir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestExtractArchiveCorrupt(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "broken.zip")
	require.NoError(t, os.WriteFile(archive, []byte("this is not a zip"), 0644))
	require.Error(t, ExtractArchive(archive, filepath.Join(dir, "out"), FiletypeInfer))
}
