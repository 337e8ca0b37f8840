package processing

import (
	"context"
	"fmt"
	"log/slog"
	"unity_registry/registry/schema"
	"unity_registry/registry/storage"
	"unity_registry/utils/logging"

	"gorm.io/gorm"
)

// Reprocess rebuilds the primary artifact of a release from its original
// upload, replacing the published tarball.
func (p *Processor) Reprocess(ctx context.Context, releaseId uint) (schema.ReleaseArtifact, error) {
	unlock, err := p.locker.Lock(ctx, releaseLockKey(releaseId))
	if err != nil {
		return schema.ReleaseArtifact{}, err
	}
	defer unlock()

	artifact, err := schema.GetPrimaryArtifact(releaseId, p.db)
	if err != nil {
		return schema.ReleaseArtifact{}, err
	}

	j, err := p.loadJob(artifact.Id)
	if err != nil {
		return artifact, err
	}

	key, err := p.locateSource(artifact)
	if err != nil {
		return artifact, j.fail(StageSource, err)
	}

	updates := map[string]interface{}{"status": schema.Uploaded}
	if key.String() != artifact.MetaPath {
		updates["meta_path"] = key.String()
	}
	if err := p.db.Model(&schema.ReleaseArtifact{}).Where("id = ?", artifact.Id).Updates(updates).Error; err != nil {
		slog.Error("sql error resetting artifact", "artifact_id", artifact.Id, "error", err)
		return artifact, j.fail(StageSource, schema.ErrDbAccessFailed)
	}

	j.source = p.storage.FullPath(key)
	j.log.Info("reprocessing release", logging.REPROCESS.Attr(), "source", key.String())

	runErr := p.runPipeline(ctx, j, false)
	return p.reloadArtifact(artifact, runErr)
}

// ReprocessAsNewRelease copies a release under the next free patch version,
// along with its dependencies and original upload, and processes the copy.
// The source release is left untouched and stays locked until the copy is
// processed, so concurrent copies of one release get distinct versions.
func (p *Processor) ReprocessAsNewRelease(ctx context.Context, releaseId uint) (schema.Release, schema.ReleaseArtifact, error) {
	unlockSource, err := p.locker.Lock(ctx, releaseLockKey(releaseId))
	if err != nil {
		return schema.Release{}, schema.ReleaseArtifact{}, err
	}
	defer unlockSource()

	release, err := schema.GetRelease(releaseId, p.db, true)
	if err != nil {
		return schema.Release{}, schema.ReleaseArtifact{}, err
	}
	artifact, err := schema.GetPrimaryArtifact(releaseId, p.db)
	if err != nil {
		return schema.Release{}, schema.ReleaseArtifact{}, err
	}

	source, err := p.loadJob(artifact.Id)
	if err != nil {
		return schema.Release{}, schema.ReleaseArtifact{}, err
	}

	sourceKey, err := p.locateSource(artifact)
	if err != nil {
		return schema.Release{}, schema.ReleaseArtifact{}, source.fail(StageSource, err)
	}

	release.Version = source.version
	newRelease, newArtifact, err := p.cloneRelease(release, artifact)
	if err != nil {
		return schema.Release{}, schema.ReleaseArtifact{}, source.fail(StageSource, err)
	}

	unlock, err := p.locker.Lock(ctx, releaseLockKey(newRelease.Id))
	if err != nil {
		return newRelease, newArtifact, err
	}
	defer unlock()

	j, err := p.loadJob(newArtifact.Id)
	if err != nil {
		return newRelease, newArtifact, err
	}

	uploadKey, err := p.copyUpload(sourceKey, newArtifact)
	if err != nil {
		return newRelease, newArtifact, j.fail(StageSource, err)
	}
	j.artifact.MetaPath = uploadKey.String()
	j.source = p.storage.FullPath(uploadKey)
	j.log.Info("reprocessing as new release", logging.REPROCESS.Attr(), "from_release_id", release.Id, "from_version", release.Version)

	runErr := p.runPipeline(ctx, j, false)
	reloaded, err := p.reloadArtifact(newArtifact, runErr)
	if updated, getErr := schema.GetRelease(newRelease.Id, p.db, false); getErr == nil {
		newRelease = updated
	}
	return newRelease, reloaded, err
}

func (p *Processor) cloneRelease(release schema.Release, artifact schema.ReleaseArtifact) (schema.Release, schema.ReleaseArtifact, error) {
	var newRelease schema.Release
	var newArtifact schema.ReleaseArtifact

	err := p.db.Transaction(func(txn *gorm.DB) error {
		version, err := nextFreeVersion(txn, release.PackageId, release.Version)
		if err != nil {
			return err
		}

		newRelease = schema.Release{
			PackageId: release.PackageId,
			Version:   version,
			Channel:   release.Channel,
		}
		if release.Status != nil {
			status := *release.Status
			newRelease.Status = &status
		}
		if err := txn.Create(&newRelease).Error; err != nil {
			return fmt.Errorf("error creating release: %w", err)
		}

		for _, dep := range release.Dependencies {
			copied := schema.PackageDependency{
				ReleaseId:          newRelease.Id,
				DependsOnReleaseId: dep.DependsOnReleaseId,
				External:           dep.External,
				BundleId:           dep.BundleId,
				Version:            dep.Version,
			}
			if err := txn.Create(&copied).Error; err != nil {
				return fmt.Errorf("error copying dependency: %w", err)
			}
		}

		newArtifact = schema.ReleaseArtifact{
			ReleaseId:        newRelease.Id,
			OriginalFilename: artifact.OriginalFilename,
			Status:           schema.Uploaded,
			UploadedAt:       p.now(),
		}
		if err := txn.Create(&newArtifact).Error; err != nil {
			return fmt.Errorf("error creating artifact: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error("sql error cloning release", "release_id", release.Id, "error", err)
		return newRelease, newArtifact, schema.ErrDbAccessFailed
	}
	return newRelease, newArtifact, nil
}

func nextFreeVersion(txn *gorm.DB, packageId uint, version string) (string, error) {
	candidate := version
	for {
		candidate = BumpPatch(candidate)
		var count int64
		if err := txn.Model(&schema.Release{}).Where("package_id = ? AND version = ?", packageId, candidate).Count(&count).Error; err != nil {
			return "", fmt.Errorf("error checking version %v: %w", candidate, err)
		}
		if count == 0 {
			return candidate, nil
		}
	}
}

func (p *Processor) copyUpload(src storage.Key, artifact schema.ReleaseArtifact) (storage.Key, error) {
	key := storage.UploadKey(artifact.UploadedAt, artifact.Id, artifact.OriginalFilename)

	reader, err := p.storage.Read(src)
	if err != nil {
		return "", storageError("read original upload", err)
	}
	defer reader.Close()

	if err := p.storage.Write(key, reader); err != nil {
		return "", storageError("copy original upload", err)
	}
	if err := p.db.Model(&schema.ReleaseArtifact{}).Where("id = ?", artifact.Id).Update("meta_path", key.String()).Error; err != nil {
		slog.Error("sql error recording upload location", "artifact_id", artifact.Id, "error", err)
		return "", schema.ErrDbAccessFailed
	}
	return key, nil
}
