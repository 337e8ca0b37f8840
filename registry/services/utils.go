package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"unity_registry/registry/processing"
	"unity_registry/registry/schema"
	"unity_registry/registry/storage"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

// registryError attaches the status code matching a lookup or processing failure.
func registryError(err error) error {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return err
	}

	switch {
	case errors.Is(err, schema.ErrPackageNotFound),
		errors.Is(err, schema.ErrReleaseNotFound),
		errors.Is(err, schema.ErrArtifactNotFound):
		return CodedError(err, http.StatusNotFound)
	case errors.Is(err, processing.ErrUnsupportedFormat),
		errors.Is(err, processing.ErrInvalidVersion),
		errors.Is(err, processing.ErrMissingManifest):
		return CodedError(err, http.StatusUnprocessableEntity)
	case errors.Is(err, processing.ErrSourceUnavailable):
		return CodedError(err, http.StatusConflict)
	case errors.Is(err, context.DeadlineExceeded):
		return CodedError(err, http.StatusGatewayTimeout)
	}
	return CodedError(err, http.StatusInternalServerError)
}

type DiskLimits struct {
	// Required free space is the smaller of the two.
	MinFreeFraction float64
	MinFreeBytes    uint64
}

func DefaultDiskLimits() DiskLimits {
	return DiskLimits{MinFreeFraction: 0.2, MinFreeBytes: 20 * 1024 * 1024 * 1024}
}

func checkDiskUsage(store storage.Storage, limits DiskLimits) error {
	stats, err := store.Usage()
	if err != nil {
		slog.Error("unable to get disk usage from storage", "error", err)
		return CodedError(errors.New("unable to get disk usage"), http.StatusInternalServerError)
	}
	oneMib := uint64(1024 * 1024)
	threshold := min(uint64(float64(stats.TotalBytes)*limits.MinFreeFraction), limits.MinFreeBytes)
	if stats.FreeBytes < threshold {
		used := (stats.TotalBytes - stats.FreeBytes) / oneMib
		total := stats.TotalBytes / oneMib
		delta := (threshold - stats.FreeBytes) / oneMib
		return CodedError(fmt.Errorf("insufficient disk space available, usage: %d/%d Mib, please clear %d Mib", used, total, delta), http.StatusInsufficientStorage)
	}
	return nil
}

func checkSufficientStorage(store storage.Storage, limits DiskLimits) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			if err := checkDiskUsage(store, limits); err != nil {
				slog.Error(err.Error())
				http.Error(w, err.Error(), GetResponseCode(err))
				return
			}
			next.ServeHTTP(w, r)
		}

		return http.HandlerFunc(handler)
	}
}
