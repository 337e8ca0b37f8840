package processing

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported archive format, expected zip, tar.gz or unitypackage")
	ErrMissingManifest   = errors.New("package/package.json is missing")
	ErrEmptyOutput       = errors.New("tarball is empty")
	ErrCorruptArtifact   = errors.New("tarball failed verification")
	ErrSourceUnavailable = errors.New("original upload is unavailable")
	ErrStorageIO         = errors.New("storage io failure")
	ErrInvalidVersion    = errors.New("invalid release version")
	ErrStageFailed       = errors.New("processing stage failed")
)

var errorKinds = []error{
	ErrUnsupportedFormat, ErrMissingManifest, ErrEmptyOutput, ErrCorruptArtifact,
	ErrSourceUnavailable, ErrStorageIO, ErrInvalidVersion,
}

// Error is returned by the processor for any failed run. errors.Is matches
// both the failure kind and the underlying cause.
type Error struct {
	Stage      string
	Kind       error
	BundleId   string
	Version    string
	ReleaseId  uint
	ArtifactId uint
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%v stage failed for %v@%v (release %d, artifact %d)", e.Stage, e.BundleId, e.Version, e.ReleaseId, e.ArtifactId)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg + ": " + e.Kind.Error()
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func kindOf(err error) error {
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrStageFailed
}

func storageError(action string, err error) error {
	return fmt.Errorf("%w: %v: %w", ErrStorageIO, action, err)
}
