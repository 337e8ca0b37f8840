package schema

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func allModels() []interface{} {
	return []interface{}{
		&Scope{}, &Package{}, &Release{}, &ReleaseArtifact{},
		&PackageDependency{}, &MetaFile{}, &Admin{},
	}
}

func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "0_initial_schema",
			Migrate: func(txn *gorm.DB) error {
				return txn.AutoMigrate(allModels()...)
			},
			Rollback: func(txn *gorm.DB) error {
				models := allModels()
				for i := len(models) - 1; i >= 0; i-- {
					if err := txn.Migrator().DropTable(models[i]); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			ID: "1_release_version_unique",
			Migrate: func(txn *gorm.DB) error {
				if txn.Migrator().HasIndex(&Release{}, "idx_release_package_version") {
					return nil
				}
				return txn.Migrator().CreateIndex(&Release{}, "idx_release_package_version")
			},
			Rollback: func(txn *gorm.DB) error {
				return txn.Migrator().DropIndex(&Release{}, "idx_release_package_version")
			},
		},
	}
}

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, migrations())
	if err := m.Migrate(); err != nil {
		return fmt.Errorf("error migrating db schema: %w", err)
	}
	return nil
}
