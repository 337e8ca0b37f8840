package processing

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// VerifyTarball extracts the tarball into a throwaway directory and checks
// that package/package.json came out of it.
func VerifyTarball(tarballPath, tempDir string) error {
	dir, err := os.MkdirTemp(tempDir, "verify-*")
	if err != nil {
		return fmt.Errorf("error creating verify directory: %w", err)
	}
	defer os.RemoveAll(dir)

	file, err := os.Open(tarballPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	defer file.Close()

	if err := extractTarGz(file, dir); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}

	info, err := os.Stat(filepath.Join(dir, "package", "package.json"))
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: package/package.json not found after extraction", ErrCorruptArtifact)
	}
	return nil
}

var errManifestNotInTarball = errors.New("package/package.json not found in tarball")

// readTarballManifest returns the package/package.json stored in a gzip tar.
func readTarballManifest(r io.Reader) ([]byte, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, errManifestNotInTarball
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag == tar.TypeReg && filepath.Clean(header.Name) == filepath.Join("package", "package.json") {
			return io.ReadAll(io.LimitReader(tr, 1<<20))
		}
	}
}
