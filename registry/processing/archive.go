package processing

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type archiveFormat int

const (
	formatUnknown archiveFormat = iota
	formatZip
	formatTarGz
	formatUnityPackage
)

func (f archiveFormat) String() string {
	switch f {
	case formatZip:
		return "zip"
	case formatTarGz:
		return "tar.gz"
	case formatUnityPackage:
		return "unitypackage"
	default:
		return "unknown"
	}
}

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
)

// IsTarball reports whether filename names a ready-made npm tarball.
func IsTarball(filename string) bool {
	name := strings.ToLower(filename)
	return strings.HasSuffix(name, ".tgz") || strings.HasSuffix(name, ".tar.gz")
}

func formatFromExtension(filename string) archiveFormat {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".zip"):
		return formatZip
	case IsTarball(name):
		return formatTarGz
	case strings.HasSuffix(name, ".unitypackage"):
		return formatUnityPackage
	}
	return formatUnknown
}

// detectFormat trusts the file contents over the extension. The extension is
// only used to tell unitypackages apart from plain tar.gz archives.
func detectFormat(path string) (archiveFormat, error) {
	file, err := os.Open(path)
	if err != nil {
		return formatUnknown, storageError("open upload", err)
	}
	defer file.Close()

	header := make([]byte, 4)
	n, err := io.ReadFull(file, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return formatUnknown, storageError("read upload", err)
	}
	header = header[:n]

	byExtension := formatFromExtension(path)
	switch {
	case bytes.HasPrefix(header, zipMagic):
		return formatZip, nil
	case bytes.HasPrefix(header, gzipMagic):
		if byExtension == formatUnityPackage {
			return formatUnityPackage, nil
		}
		return formatTarGz, nil
	}
	return formatUnknown, fmt.Errorf("%w: %v", ErrUnsupportedFormat, filepath.Base(path))
}

// safeJoin resolves name under dest, rejecting entries that would escape it.
func safeJoin(dest, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	target := filepath.Join(dest, filepath.FromSlash(name))
	cleanDest := filepath.Clean(dest)
	if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes destination: %v", name)
	}
	return target, nil
}

// macOS archivers add resource forks that are never part of a package.
func isJunkEntry(name string) bool {
	name = strings.ReplaceAll(name, "\\", "/")
	first := strings.SplitN(strings.TrimPrefix(name, "./"), "/", 2)[0]
	return first == "__MACOSX" || filepath.Base(name) == ".DS_Store"
}

func writeEntry(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("error creating directory for %v: %w", target, err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("error creating %v: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("error writing %v: %w", target, err)
	}
	return out.Close()
}

func extractZip(src, dest string) error {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("%w: invalid zip archive: %w", ErrUnsupportedFormat, err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if isJunkEntry(file.Name) {
			continue
		}
		target, err := safeJoin(dest, file.Name)
		if err != nil {
			return err
		}
		mode := file.FileInfo().Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("error creating directory %v: %w", target, err)
			}
		case mode.IsRegular():
			if err := extractZipFile(file, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func extractZipFile(file *zip.File, target string) error {
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("error opening zip entry %v: %w", file.Name, err)
	}
	defer rc.Close()
	return writeEntry(target, rc)
}

func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: invalid gzip stream: %w", ErrUnsupportedFormat, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar entry: %w", err)
		}
		if isJunkEntry(header.Name) {
			continue
		}
		target, err := safeJoin(dest, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("error creating directory %v: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr); err != nil {
				return err
			}
		}
	}
}

func extractTarGzFile(src, dest string) error {
	file, err := os.Open(src)
	if err != nil {
		return storageError("open upload", err)
	}
	defer file.Close()
	return extractTarGz(file, dest)
}
