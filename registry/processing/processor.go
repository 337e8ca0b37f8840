package processing

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unity_registry/registry/schema"
	"unity_registry/registry/storage"
	"unity_registry/utils/logging"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StageLoad       = "load"
	StageSource     = "source"
	StageUnpack     = "unpack"
	StageDescriptor = "descriptor"
	StageStructure  = "structure"
	StageChangelog  = "changelog"
	StageMetaFiles  = "meta_files"
	StageTarball    = "tarball"
	StageVerify     = "verify"
	StagePublish    = "publish"
)

var stageCodes = map[string]logging.LogCode{
	StageUnpack:     logging.UNPACK,
	StageDescriptor: logging.DESCRIPTOR,
	StageStructure:  logging.STRUCTURE,
	StageChangelog:  logging.CHANGELOG,
	StageMetaFiles:  logging.META_FILES,
	StageTarball:    logging.TARBALL,
	StageVerify:     logging.VERIFY,
	StagePublish:    logging.PUBLISH,
}

// Processor turns uploaded archives into published UPM tarballs.
type Processor struct {
	db      *gorm.DB
	storage storage.Storage
	config  Config
	locker  Locker

	descriptor *DescriptorBuilder
	metaFiles  *MetaFileGenerator

	now func() time.Time
}

func NewProcessor(db *gorm.DB, store storage.Storage, config Config, locker Locker) *Processor {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Processor{
		db:         db,
		storage:    store,
		config:     config,
		locker:     locker,
		descriptor: NewDescriptorBuilder(db, config.OverwritePackageJson),
		metaFiles:  NewMetaFileGenerator(db),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (p *Processor) scratchRoot() string {
	if p.config.ScratchDir != "" {
		return p.config.ScratchDir
	}
	return os.TempDir()
}

type job struct {
	pkg      schema.Package
	release  schema.Release
	artifact schema.ReleaseArtifact
	version  string

	// Local path of the original upload.
	source   string
	manifest []byte

	log *slog.Logger
}

func (j *job) fail(stage string, err error) error {
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}
	return &Error{
		Stage:      stage,
		Kind:       kindOf(err),
		BundleId:   j.pkg.BundleId,
		Version:    j.version,
		ReleaseId:  j.release.Id,
		ArtifactId: j.artifact.Id,
		Err:        err,
	}
}

func (p *Processor) loadJob(artifactId uint) (*job, error) {
	j := &job{}

	artifact, err := schema.GetArtifact(artifactId, p.db)
	if err != nil {
		j.artifact.Id = artifactId
		return nil, j.fail(StageLoad, err)
	}
	j.artifact = artifact

	release, err := schema.GetRelease(artifact.ReleaseId, p.db, false)
	if err != nil {
		j.release.Id = artifact.ReleaseId
		return nil, j.fail(StageLoad, err)
	}
	j.release = release

	pkg, err := schema.GetPackage(release.PackageId, p.db)
	if err != nil {
		return nil, j.fail(StageLoad, err)
	}
	j.pkg = pkg

	version, err := p.config.ResolveVersion(release.Version)
	if err != nil {
		return nil, j.fail(StageLoad, err)
	}
	if version != release.Version {
		if err := p.db.Model(&schema.Release{}).Where("id = ?", release.Id).Update("version", version).Error; err != nil {
			slog.Error("sql error setting default release version", "release_id", release.Id, "error", err)
			return nil, j.fail(StageLoad, schema.ErrDbAccessFailed)
		}
		j.release.Version = version
	}
	j.version = version

	j.log = slog.With("bundle_id", pkg.BundleId, "version", version, "release_id", release.Id, "artifact_id", artifact.Id)
	return j, nil
}

// ResolveVersion applies the configured default to an empty version.
func (p *Processor) ResolveVersion(version string) (string, error) {
	return p.config.ResolveVersion(version)
}

// Upload preserves the original upload in storage, records it as a new
// artifact of the release and processes it. Ready-made tarballs are
// published as they are. The returned artifact reflects the final status,
// also when processing failed.
func (p *Processor) Upload(ctx context.Context, releaseId uint, filename string, data io.Reader) (schema.ReleaseArtifact, error) {
	unlock, err := p.locker.Lock(ctx, releaseLockKey(releaseId))
	if err != nil {
		return schema.ReleaseArtifact{}, err
	}
	defer unlock()

	artifact, err := p.storeUpload(releaseId, filename, data)
	if err != nil {
		return schema.ReleaseArtifact{}, err
	}

	j, err := p.loadJob(artifact.Id)
	if err != nil {
		return artifact, err
	}
	j.source = p.storage.FullPath(storage.Key(artifact.MetaPath))
	j.log.Info("upload stored", logging.UPLOAD.Attr(), "filename", filename, "key", artifact.MetaPath)

	runErr := p.runPipeline(ctx, j, true)
	return p.reloadArtifact(artifact, runErr)
}

func (p *Processor) storeUpload(releaseId uint, filename string, data io.Reader) (schema.ReleaseArtifact, error) {
	if _, err := schema.GetRelease(releaseId, p.db, false); err != nil {
		return schema.ReleaseArtifact{}, err
	}

	artifact := schema.ReleaseArtifact{
		ReleaseId:        releaseId,
		OriginalFilename: storage.SafeFilename(filename),
		Status:           schema.Uploaded,
		UploadedAt:       p.now(),
	}
	if err := p.db.Create(&artifact).Error; err != nil {
		slog.Error("sql error creating artifact", "release_id", releaseId, "error", err)
		return artifact, schema.ErrDbAccessFailed
	}

	key := storage.UploadKey(artifact.UploadedAt, artifact.Id, artifact.OriginalFilename)
	if err := p.storage.Write(key, data); err != nil {
		if dbErr := p.db.Delete(&schema.ReleaseArtifact{}, artifact.Id).Error; dbErr != nil {
			slog.Error("sql error removing artifact after failed upload", "artifact_id", artifact.Id, "error", dbErr)
		}
		return schema.ReleaseArtifact{}, storageError("store upload", err)
	}

	artifact.MetaPath = key.String()
	if err := p.db.Model(&artifact).Update("meta_path", artifact.MetaPath).Error; err != nil {
		slog.Error("sql error recording upload location", "artifact_id", artifact.Id, "error", err)
		return artifact, schema.ErrDbAccessFailed
	}
	return artifact, nil
}

// ProcessUpload runs the full pipeline for an artifact whose original upload is
// at sourcePath.
func (p *Processor) ProcessUpload(ctx context.Context, artifactId uint, sourcePath string) error {
	artifact, err := schema.GetArtifact(artifactId, p.db)
	if err != nil {
		return err
	}

	unlock, err := p.locker.Lock(ctx, releaseLockKey(artifact.ReleaseId))
	if err != nil {
		return err
	}
	defer unlock()

	j, err := p.loadJob(artifactId)
	if err != nil {
		return err
	}
	j.source = sourcePath
	return p.runPipeline(ctx, j, false)
}

func (p *Processor) reloadArtifact(artifact schema.ReleaseArtifact, runErr error) (schema.ReleaseArtifact, error) {
	reloaded, err := schema.GetArtifact(artifact.Id, p.db)
	if err != nil {
		return artifact, errors.Join(runErr, err)
	}
	return reloaded, runErr
}

func (p *Processor) runPipeline(ctx context.Context, j *job, allowBypass bool) (err error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if err != nil {
			pipelineRuns.WithLabelValues("failure").Inc()
			j.log.Error("processing failed", "error", err, "duration", time.Since(start))
			return
		}
		pipelineRuns.WithLabelValues("success").Inc()
		j.log.Info("processing completed", "duration", time.Since(start))
	}()

	if allowBypass && IsTarball(j.artifact.OriginalFilename) {
		return p.publishUploadedTarball(ctx, j)
	}
	return p.buildAndPublish(ctx, j)
}

// advance records the status an artifact reaches before the given stage runs.
func (p *Processor) advance(ctx context.Context, j *job, status, stage string) error {
	if err := ctx.Err(); err != nil {
		return j.fail(stage, err)
	}
	if err := p.db.Model(&schema.ReleaseArtifact{}).Where("id = ?", j.artifact.Id).Update("status", status).Error; err != nil {
		slog.Error("sql error updating artifact status", "artifact_id", j.artifact.Id, "status", status, "error", err)
		return j.fail(stage, schema.ErrDbAccessFailed)
	}
	j.artifact.Status = status
	return nil
}

func (p *Processor) stage(ctx context.Context, j *job, name string, fn func(log *slog.Logger) error) error {
	if err := ctx.Err(); err != nil {
		return j.fail(name, err)
	}
	log := j.log.With(stageCodes[name].Attr())

	timer := prometheus.NewTimer(stageDuration.WithLabelValues(name))
	err := fn(log)
	timer.ObserveDuration()

	if err != nil {
		return j.fail(name, err)
	}
	return nil
}

func (p *Processor) buildAndPublish(ctx context.Context, j *job) error {
	if err := p.advance(ctx, j, schema.Unpacked, StageUnpack); err != nil {
		return err
	}

	var dir string
	err := p.stage(ctx, j, StageUnpack, func(log *slog.Logger) error {
		var err error
		if dir, err = Unpack(j.source, p.scratchRoot()); err != nil {
			return err
		}
		flattened, err := Flatten(dir)
		if err != nil {
			return err
		}
		if flattened {
			log.Info("hoisted wrapper directory to package root")
		}
		return nil
	})
	if dir != "" {
		defer os.RemoveAll(dir)
	}
	if err != nil {
		return err
	}

	if err := p.advance(ctx, j, schema.Processed, StageDescriptor); err != nil {
		return err
	}
	if err := p.enrich(ctx, j, dir); err != nil {
		return err
	}

	if err := p.advance(ctx, j, schema.TarballCreated, StageTarball); err != nil {
		return err
	}

	var tarball string
	err = p.stage(ctx, j, StageTarball, func(log *slog.Logger) error {
		var err error
		tarball, err = BuildTarball(dir, p.scratchRoot())
		return err
	})
	if tarball != "" {
		// Already gone once published.
		defer os.Remove(tarball)
	}
	if err != nil {
		return err
	}

	err = p.stage(ctx, j, StageVerify, func(log *slog.Logger) error {
		return VerifyTarball(tarball, p.scratchRoot())
	})
	if err != nil {
		return err
	}

	return p.stage(ctx, j, StagePublish, func(log *slog.Logger) error {
		return p.publish(j, log, tarball, func(key storage.Key) error {
			return p.storage.Move(tarball, key)
		})
	})
}

func (p *Processor) enrich(ctx context.Context, j *job, dir string) error {
	err := p.stage(ctx, j, StageDescriptor, func(log *slog.Logger) error {
		manifest, err := p.descriptor.Build(dir, j.pkg, j.release, j.version)
		if err != nil {
			return err
		}
		raw, warnings := CheckManifest(manifest)
		for _, warning := range warnings {
			log.Warn("package.json does not match the UPM manifest schema", "warning", warning)
		}
		j.manifest = raw
		return nil
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, j, StageStructure, func(log *slog.Logger) error {
		deviations, err := ValidateStructure(dir)
		if err != nil {
			return err
		}
		for _, deviation := range deviations {
			log.Warn("non standard entry at package root", "type", deviation.Type, "name", deviation.Name)
		}
		if _, err := os.Stat(filepath.Join(dir, "README.md")); err != nil {
			log.Warn("package has no README.md")
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, j, StageChangelog, func(log *slog.Logger) error {
		text, err := BuildChangelog(p.db, j.pkg.Id)
		if err != nil {
			return err
		}
		written, err := writeChangelog(dir, text)
		if err != nil {
			return err
		}
		if written {
			log.Info("wrote aggregated CHANGELOG.md")
		}
		return nil
	})
	if err != nil {
		return err
	}

	return p.stage(ctx, j, StageMetaFiles, func(log *slog.Logger) error {
		_, err := p.metaFiles.Generate(ctx, dir, j.pkg.Id)
		return err
	})
}

func (p *Processor) publishUploadedTarball(ctx context.Context, j *job) error {
	return p.stage(ctx, j, StagePublish, func(log *slog.Logger) error {
		if manifest, err := p.uploadedManifest(j.source); err == nil {
			raw, warnings := CheckManifest(manifest)
			for _, warning := range warnings {
				log.Warn("package.json does not match the UPM manifest schema", "warning", warning)
			}
			j.manifest = raw
		} else {
			log.Warn("could not read package.json from uploaded tarball", "error", err)
		}

		log.Info("publishing uploaded tarball without processing")
		return p.publish(j, log, j.source, func(key storage.Key) error {
			file, err := os.Open(j.source)
			if err != nil {
				return err
			}
			defer file.Close()
			return p.storage.Write(key, file)
		})
	})
}

func (p *Processor) uploadedManifest(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return readTarballManifest(file)
}

// publish hashes the local tarball, places it at its published key and
// records the result on the artifact. A previous output of the artifact
// stored elsewhere is removed.
func (p *Processor) publish(j *job, log *slog.Logger, localPath string, place func(key storage.Key) error) error {
	hash, size, err := checksumFile(localPath)
	if err != nil {
		return err
	}

	filename := TarballFilename(j.pkg.BundleId, j.version, p.now())
	key := storage.ProcessedKey(j.pkg.BundleId, filename)
	previous := j.artifact.Path

	if err := place(key); err != nil {
		return storageError("publish tarball", err)
	}

	updates := map[string]interface{}{
		"path":     key.String(),
		"filename": filename,
		"hash":     hash,
		"size":     size,
		"status":   schema.Completed,
	}
	if j.manifest != nil {
		updates["manifest"] = datatypes.JSON(j.manifest)
	}
	if err := p.db.Model(&schema.ReleaseArtifact{}).Where("id = ?", j.artifact.Id).Updates(updates).Error; err != nil {
		slog.Error("sql error recording published artifact", "artifact_id", j.artifact.Id, "error", err)
		if previous != key.String() {
			if err := p.storage.Delete(key); err != nil {
				log.Warn("could not remove unrecorded tarball", "key", key.String(), "error", err)
			}
		}
		return schema.ErrDbAccessFailed
	}

	if previous != "" && previous != key.String() {
		if err := p.storage.Delete(storage.Key(previous)); err != nil {
			log.Warn("could not remove previous tarball", "key", previous, "error", err)
		}
	}

	j.artifact.Path, j.artifact.Filename, j.artifact.Hash, j.artifact.Size = key.String(), filename, hash, size
	j.artifact.Status = schema.Completed
	artifactBytes.Observe(float64(size))
	log.Info("tarball published", "key", key.String(), "sha1", hash, "size", size)
	return nil
}

func checksumFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, storageError("open tarball", err)
	}
	defer file.Close()

	hash := sha1.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, storageError("hash tarball", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}
