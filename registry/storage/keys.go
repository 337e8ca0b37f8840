package storage

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	UploadsNamespace   = "uploads"
	ProcessedNamespace = "processed"
)

var ErrInvalidKey = errors.New("invalid storage key")

// Key is a slash separated location relative to the storage root. Keys are
// built with NewKey so they never escape the root.
type Key string

func NewKey(parts ...string) (Key, error) {
	joined := strings.ReplaceAll(strings.Join(parts, "/"), "\\", "/")
	if strings.HasPrefix(joined, "/") {
		return "", fmt.Errorf("%w: absolute path '%v'", ErrInvalidKey, joined)
	}
	clean := path.Clean(joined)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: '%v'", ErrInvalidKey, joined)
	}
	return Key(clean), nil
}

func MustKey(parts ...string) Key {
	key, err := NewKey(parts...)
	if err != nil {
		panic(err)
	}
	return key
}

func (k Key) String() string {
	return string(k)
}

func (k Key) Base() string {
	return path.Base(string(k))
}

func (k Key) Dir() string {
	return path.Dir(string(k))
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SafeFilename strips any directory components from name and replaces
// characters outside [A-Za-z0-9._-] with '_'.
func SafeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return "upload"
	}
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}

func UploadDateDir(uploadedAt time.Time) Key {
	return MustKey(UploadsNamespace, uploadedAt.UTC().Format("2006-01-02"))
}

// UploadKey is where the original upload of an artifact is preserved.
func UploadKey(uploadedAt time.Time, artifactId uint, filename string) Key {
	return MustKey(UploadDateDir(uploadedAt).String(), UploadFilename(artifactId, filename))
}

func UploadFilename(artifactId uint, filename string) string {
	return strconv.FormatUint(uint64(artifactId), 10) + "_" + SafeFilename(filename)
}

func ProcessedKey(bundleId, filename string) Key {
	return MustKey(ProcessedNamespace, SafeFilename(bundleId), SafeFilename(filename))
}
