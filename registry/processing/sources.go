package processing

import (
	"fmt"
	"io/fs"
	"log/slog"
	"unity_registry/registry/schema"
	"unity_registry/registry/storage"
	"unity_registry/utils/logging"
)

type sourceLookup struct {
	name string
	find func(artifact schema.ReleaseArtifact) (storage.Key, bool, error)
}

// sourceLookups lists the places an original upload may live, in order.
func (p *Processor) sourceLookups() []sourceLookup {
	return []sourceLookup{
		{name: "recorded_path", find: p.recordedSource},
		{name: "upload_date", find: p.datedSource},
		{name: "uploads_scan", find: p.scannedSource},
	}
}

func (p *Processor) locateSource(artifact schema.ReleaseArtifact) (storage.Key, error) {
	for _, lookup := range p.sourceLookups() {
		key, found, err := lookup.find(artifact)
		if err != nil {
			return "", storageError("locate original upload", err)
		}
		if found {
			slog.Info("located original upload", logging.REPROCESS.Attr(), "artifact_id", artifact.Id, "lookup", lookup.name, "key", key.String())
			return key, nil
		}
	}
	return "", fmt.Errorf("%w: artifact %d (%v)", ErrSourceUnavailable, artifact.Id, artifact.OriginalFilename)
}

func (p *Processor) existing(key storage.Key) (storage.Key, bool, error) {
	exists, err := p.storage.Exists(key)
	if err != nil || !exists {
		return "", false, err
	}
	return key, true, nil
}

func (p *Processor) recordedSource(artifact schema.ReleaseArtifact) (storage.Key, bool, error) {
	if artifact.MetaPath == "" {
		return "", false, nil
	}
	key, err := storage.NewKey(artifact.MetaPath)
	if err != nil {
		return "", false, nil
	}
	return p.existing(key)
}

func (p *Processor) datedSource(artifact schema.ReleaseArtifact) (storage.Key, bool, error) {
	if artifact.OriginalFilename == "" || artifact.UploadedAt.IsZero() {
		return "", false, nil
	}
	return p.existing(storage.UploadKey(artifact.UploadedAt, artifact.Id, artifact.OriginalFilename))
}

// scannedSource searches every upload date directory. Uploads named with the
// artifact id are preferred over ones matching the bare filename.
func (p *Processor) scannedSource(artifact schema.ReleaseArtifact) (storage.Key, bool, error) {
	if artifact.OriginalFilename == "" {
		return "", false, nil
	}
	withId := storage.UploadFilename(artifact.Id, artifact.OriginalFilename)
	bare := storage.SafeFilename(artifact.OriginalFilename)

	var match storage.Key
	var fallback storage.Key
	var fallbackTime int64

	err := p.storage.Walk(storage.MustKey(storage.UploadsNamespace), func(key storage.Key, info fs.FileInfo) error {
		if info.IsDir() {
			return nil
		}
		switch key.Base() {
		case withId:
			match = key
			return fs.SkipAll
		case bare:
			if mod := info.ModTime().UnixNano(); fallback == "" || mod > fallbackTime {
				fallback, fallbackTime = key, mod
			}
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if match != "" {
		return match, true, nil
	}
	if fallback != "" {
		return fallback, true, nil
	}
	return "", false, nil
}
