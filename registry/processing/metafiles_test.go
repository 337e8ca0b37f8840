package processing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"unity_registry/registry/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readGuid(t *testing.T, path string) string {
	guid, ok := readMetaGuid(path)
	require.True(t, ok, path)
	return guid
}

func TestNewGuid(t *testing.T) {
	a, err := NewGuid()
	require.NoError(t, err)
	b, err := NewGuid()
	require.NoError(t, err)

	assert.True(t, IsValidGuid(a))
	assert.NotEqual(t, a, b)
	assert.False(t, IsValidGuid("XYZ"))
	assert.False(t, IsValidGuid("0123456789ABCDEF0123456789ABCDEF"))
}

func TestMetaFilesAreStableAcrossRuns(t *testing.T) {
	db := setupDb(t)
	pkg := schema.Package{BundleId: "com.example.meta"}
	require.NoError(t, db.Create(&pkg).Error)

	files := map[string]string{
		"Runtime/Foo.cs": "foo",
		"Editor/Tool.cs": "tool",
		"package.json":   "{}",
	}
	generator := NewMetaFileGenerator(db)

	first := t.TempDir()
	writeTree(t, first, files)
	stats, err := generator.Generate(context.Background(), first, pkg.Id)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Written)
	assert.Equal(t, 5, stats.Created)

	second := t.TempDir()
	writeTree(t, second, files)
	stats, err = generator.Generate(context.Background(), second, pkg.Id)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Written)
	assert.Equal(t, 0, stats.Created)

	for _, rel := range []string{"Runtime", "Runtime/Foo.cs", "Editor", "Editor/Tool.cs", "package.json"} {
		path := filepath.FromSlash(rel) + ".meta"
		assert.Equal(t, readGuid(t, filepath.Join(first, path)), readGuid(t, filepath.Join(second, path)), rel)
	}

	var count int64
	require.NoError(t, db.Model(&schema.MetaFile{}).Where("package_id = ?", pkg.Id).Count(&count).Error)
	assert.Equal(t, int64(5), count)
}

func TestMetaFileContents(t *testing.T) {
	db := setupDb(t)
	pkg := schema.Package{BundleId: "com.example.template"}
	require.NoError(t, db.Create(&pkg).Error)

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"README.md": "readme"})

	_, err := NewMetaFileGenerator(db).Generate(context.Background(), dir, pkg.Id)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "README.md.meta"))
	require.NoError(t, err)
	guid := readGuid(t, filepath.Join(dir, "README.md.meta"))
	expected := fmt.Sprintf("fileFormatVersion: 2\nguid: %s\nTextScriptImporter:\n  externalObjects: {}\n  userData: \n  assetBundleName: \n  assetBundleVariant: \n", guid)
	assert.Equal(t, expected, string(content))
}

func TestExistingMetaFilesAreKeptAndAdopted(t *testing.T) {
	db := setupDb(t)
	pkg := schema.Package{BundleId: "com.example.adopt"}
	require.NoError(t, db.Create(&pkg).Error)

	uploaded := "fileFormatVersion: 2\nguid: 0123456789abcdef0123456789abcdef\n"
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"Foo.cs":      "foo",
		"Foo.cs.meta": uploaded,
	})

	generator := NewMetaFileGenerator(db)
	stats, err := generator.Generate(context.Background(), dir, pkg.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Adopted)
	assert.Equal(t, 0, stats.Written)

	content, err := os.ReadFile(filepath.Join(dir, "Foo.cs.meta"))
	require.NoError(t, err)
	assert.Equal(t, uploaded, string(content))

	// A later upload without the .meta file reuses the adopted guid.
	next := t.TempDir()
	writeTree(t, next, map[string]string{"Foo.cs": "foo"})
	_, err = generator.Generate(context.Background(), next, pkg.Id)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", readGuid(t, filepath.Join(next, "Foo.cs.meta")))
}

func TestMetaFileGuidsArePerPackage(t *testing.T) {
	db := setupDb(t)
	a := schema.Package{BundleId: "com.example.a"}
	b := schema.Package{BundleId: "com.example.b"}
	require.NoError(t, db.Create(&a).Error)
	require.NoError(t, db.Create(&b).Error)

	generator := NewMetaFileGenerator(db)
	dirA, dirB := t.TempDir(), t.TempDir()
	writeTree(t, dirA, map[string]string{"Foo.cs": "foo"})
	writeTree(t, dirB, map[string]string{"Foo.cs": "foo"})

	_, err := generator.Generate(context.Background(), dirA, a.Id)
	require.NoError(t, err)
	_, err = generator.Generate(context.Background(), dirB, b.Id)
	require.NoError(t, err)

	assert.NotEqual(t, readGuid(t, filepath.Join(dirA, "Foo.cs.meta")), readGuid(t, filepath.Join(dirB, "Foo.cs.meta")))
}

func TestStoreGuidKeepsFirstWriter(t *testing.T) {
	db := setupDb(t)
	pkg := schema.Package{BundleId: "com.example.race"}
	require.NoError(t, db.Create(&pkg).Error)

	generator := NewMetaFileGenerator(db)
	first, err := generator.storeGuid(pkg.Id, "Foo.cs", "11111111111111111111111111111111")
	require.NoError(t, err)
	second, err := generator.storeGuid(pkg.Id, "Foo.cs", "22222222222222222222222222222222")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "11111111111111111111111111111111", second)
}
