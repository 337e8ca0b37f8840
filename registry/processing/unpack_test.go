package processing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnpackZip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "upload.zip")
	writeZip(t, src, map[string]string{
		"Runtime/Foo.cs":            "class Foo {}",
		"README.md":                 "readme",
		"__MACOSX/Runtime/._Foo.cs": "junk",
	})

	out, err := Unpack(src, dir)
	require.NoError(t, err)
	defer os.RemoveAll(out)

	assert.Equal(t, []string{"README.md", "Runtime/", "Runtime/Foo.cs"}, listTree(t, out))
}

func TestUnpackDetectsContentOverExtension(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "upload.bin")
	writeTarGz(t, src, map[string]string{"Editor/Tool.cs": "tool"})

	out, err := Unpack(src, dir)
	require.NoError(t, err)
	defer os.RemoveAll(out)

	assert.Equal(t, []string{"Editor/", "Editor/Tool.cs"}, listTree(t, out))
}

func TestUnpackUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "upload.rar")
	require.NoError(t, os.WriteFile(src, []byte("Rar!\x1a\x07"), 0o644))

	_, err := Unpack(src, dir)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUnpackRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.tar.gz")
	writeTarGz(t, src, map[string]string{"../../escaped.txt": "nope"})

	_, err := Unpack(src, dir)
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "escaped.txt"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUnpackUnityPackage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tools.unitypackage")
	writeTarGz(t, src, map[string]string{
		"0123456789abcdef0123456789abcdef/pathname":   "Assets/Runtime\n00",
		"0123456789abcdef0123456789abcdef/asset.meta": "guid: 0123456789abcdef0123456789abcdef",
		"fedcba9876543210fedcba9876543210/pathname":   "Assets/Runtime/Foo.cs",
		"fedcba9876543210fedcba9876543210/asset":      "class Foo {}",
		"fedcba9876543210fedcba9876543210/asset.meta": "guid: fedcba9876543210fedcba9876543210",
	})

	out, err := Unpack(src, dir)
	require.NoError(t, err)
	defer os.RemoveAll(out)

	assert.Equal(t, []string{"Runtime.meta", "Runtime/", "Runtime/Foo.cs", "Runtime/Foo.cs.meta"}, listTree(t, out))

	content, err := os.ReadFile(filepath.Join(out, "Runtime", "Foo.cs"))
	require.NoError(t, err)
	assert.Equal(t, "class Foo {}", string(content))
}

func TestAssetRelativePath(t *testing.T) {
	assert.Equal(t, "Runtime/Foo.cs", assetRelativePath("Assets/Runtime/Foo.cs"))
	assert.Equal(t, "Editor", assetRelativePath("Packages/com.example.tools/Editor"))
	assert.Equal(t, "", assetRelativePath("Assets"))
	assert.Equal(t, "Other/File.txt", assetRelativePath("Other/File.txt"))
}

func TestFlattenHoistsWrapper(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"MyPkg/Runtime/Foo.cs":   "foo",
		"MyPkg/README.md":        "readme",
		"MyPkg/MyPkg/nested.txt": "nested",
	})

	flattened, err := Flatten(dir)
	require.NoError(t, err)
	assert.True(t, flattened)
	assert.Equal(t, []string{"MyPkg/", "MyPkg/nested.txt", "README.md", "Runtime/", "Runtime/Foo.cs"}, listTree(t, dir))
}

func TestFlattenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"Runtime/Foo.cs": "foo",
		"package.json":   "{}",
	})
	before := listTree(t, dir)

	for i := 0; i < 2; i++ {
		flattened, err := Flatten(dir)
		require.NoError(t, err)
		assert.False(t, flattened)
		assert.Equal(t, before, listTree(t, dir))
	}
}

func TestFlattenLeavesUnrecognizedWrapper(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"Wrapper/Scripts/Foo.cs": "foo"})

	flattened, err := Flatten(dir)
	require.NoError(t, err)
	assert.False(t, flattened)

	// A single standard folder at the root is a valid layout.
	dir = t.TempDir()
	writeTree(t, dir, map[string]string{"Runtime/Editor/Foo.cs": "foo"})
	flattened, err = Flatten(dir)
	require.NoError(t, err)
	assert.False(t, flattened)
}

func TestValidateStructure(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"Runtime/Foo.cs": "foo",
		"Samples/a.txt":  "a",
		"package.json":   "{}",
		"notes.txt":      "notes",
	})

	deviations, err := ValidateStructure(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Deviation{
		{Type: DeviationDirectory, Name: "Samples"},
		{Type: DeviationFile, Name: "notes.txt"},
	}, deviations)
}
