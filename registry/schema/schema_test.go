package schema_test

import (
	"path/filepath"
	"testing"
	"time"
	"unity_registry/registry/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupDb(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "registry.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, schema.Migrate(db))
	return db
}

func TestMigrateIsRepeatable(t *testing.T) {
	db := setupDb(t)
	assert.NoError(t, schema.Migrate(db))
	assert.True(t, db.Migrator().HasTable(&schema.MetaFile{}))
}

func TestIsPublished(t *testing.T) {
	published := schema.ReleasePublished
	unpublished := schema.ReleaseUnpublished
	empty := ""

	assert.True(t, (&schema.Release{}).IsPublished())
	assert.True(t, (&schema.Release{Status: &empty}).IsPublished())
	assert.True(t, (&schema.Release{Status: &published}).IsPublished())
	assert.False(t, (&schema.Release{Status: &unpublished}).IsPublished())
}

func TestListReleasesOrdering(t *testing.T) {
	db := setupDb(t)

	pkg := schema.Package{BundleId: "com.example.ordering"}
	require.NoError(t, db.Create(&pkg).Error)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	releases := []schema.Release{
		{PackageId: pkg.Id, Version: "1.0.0", CreatedAt: base},
		{PackageId: pkg.Id, Version: "1.1.0", CreatedAt: base.Add(time.Hour)},
		{PackageId: pkg.Id, Version: "1.1.1", CreatedAt: base.Add(time.Hour)},
	}
	for i := range releases {
		require.NoError(t, db.Create(&releases[i]).Error)
	}

	listed, err := schema.ListReleases(pkg.Id, db, false)
	require.NoError(t, err)

	versions := make([]string, 0, len(listed))
	for _, r := range listed {
		versions = append(versions, r.Version)
	}
	assert.Equal(t, []string{"1.1.1", "1.1.0", "1.0.0"}, versions)
}

func TestLookupErrors(t *testing.T) {
	db := setupDb(t)

	_, err := schema.GetPackageByBundleId("com.missing", db)
	assert.ErrorIs(t, err, schema.ErrPackageNotFound)

	_, err = schema.GetRelease(42, db, true)
	assert.ErrorIs(t, err, schema.ErrReleaseNotFound)

	_, err = schema.GetPrimaryArtifact(42, db)
	assert.ErrorIs(t, err, schema.ErrArtifactNotFound)
}

func TestPrimaryArtifactIsNewest(t *testing.T) {
	db := setupDb(t)

	pkg := schema.Package{BundleId: "com.example.primary"}
	require.NoError(t, db.Create(&pkg).Error)
	release := schema.Release{PackageId: pkg.Id, Version: "1.0.0"}
	require.NoError(t, db.Create(&release).Error)

	first := schema.ReleaseArtifact{ReleaseId: release.Id, Status: schema.Completed}
	second := schema.ReleaseArtifact{ReleaseId: release.Id, Status: schema.Uploaded}
	require.NoError(t, db.Create(&first).Error)
	require.NoError(t, db.Create(&second).Error)

	primary, err := schema.GetPrimaryArtifact(release.Id, db)
	require.NoError(t, err)
	assert.Equal(t, second.Id, primary.Id)
}

func TestStatusRank(t *testing.T) {
	assert.Less(t, schema.StatusRank(schema.Uploaded), schema.StatusRank(schema.Unpacked))
	assert.Less(t, schema.StatusRank(schema.TarballCreated), schema.StatusRank(schema.Completed))
	assert.Equal(t, -1, schema.StatusRank("bogus"))
	assert.Error(t, schema.CheckValidStatus("bogus"))
	assert.NoError(t, schema.CheckValidStatus(schema.Processed))
}

func TestReleaseVersionIsUniquePerPackage(t *testing.T) {
	db := setupDb(t)

	pkg := schema.Package{BundleId: "com.example.unique"}
	require.NoError(t, db.Create(&pkg).Error)
	other := schema.Package{BundleId: "com.example.other"}
	require.NoError(t, db.Create(&other).Error)

	require.NoError(t, db.Create(&schema.Release{PackageId: pkg.Id, Version: "1.0.0"}).Error)
	assert.Error(t, db.Create(&schema.Release{PackageId: pkg.Id, Version: "1.0.0"}).Error)
	assert.NoError(t, db.Create(&schema.Release{PackageId: other.Id, Version: "1.0.0"}).Error)

	assert.True(t, db.Migrator().HasIndex(&schema.Release{}, "idx_release_package_version"))
}
