package processing

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unity_registry/utils/logging"
)

// Entries get a fixed timestamp so identical trees produce identical tarballs.
var tarEntryTime = time.Date(1985, time.October, 26, 8, 15, 0, 0, time.UTC)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// TarballFilename returns <bundle>-<version>-<YYYY-MM-DD>.tgz with every
// character outside [A-Za-z0-9._-] in bundle and version replaced by '_'.
func TarballFilename(bundleId, version string, date time.Time) string {
	return fmt.Sprintf("%v-%v-%v.tgz",
		unsafeNameChars.ReplaceAllString(bundleId, "_"),
		unsafeNameChars.ReplaceAllString(version, "_"),
		date.Format("2006-01-02"),
	)
}

func tarEntryRank(name string) int {
	switch {
	case name == "package/package.json":
		return 0
	case strings.Count(name, "/") == 1:
		return 1
	default:
		return 2
	}
}

// sortTarEntries puts package/package.json first, then root files, then the
// rest, alphabetically within each group.
func sortTarEntries(names []string) {
	sort.Slice(names, func(i, j int) bool {
		ri, rj := tarEntryRank(names[i]), tarEntryRank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
}

type tarEntry struct {
	name     string
	fullPath string
	size     int64
}

func collectTarEntries(dir string) ([]tarEntry, error) {
	var entries []tarEntry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entries = append(entries, tarEntry{name: "package/" + filepath.ToSlash(rel), fullPath: path, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking %v: %w", dir, err)
	}

	index := make(map[string]tarEntry, len(entries))
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		index[entry.name] = entry
		names = append(names, entry.name)
	}
	sortTarEntries(names)
	for i, name := range names {
		entries[i] = index[name]
	}
	return entries, nil
}

// BuildTarball packs dir into a gzip tar under a package/ prefix and returns
// the path of the temporary file holding it. The caller owns the file.
func BuildTarball(dir, tempDir string) (string, error) {
	info, err := os.Stat(filepath.Join(dir, "package.json"))
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrMissingManifest
	}

	entries, err := collectTarEntries(dir)
	if err != nil {
		return "", err
	}

	out, err := os.CreateTemp(tempDir, "tarball-*.tgz")
	if err != nil {
		return "", fmt.Errorf("error creating tarball: %w", err)
	}
	tarballPath := out.Name()

	if err := writeTarball(out, entries); err != nil {
		out.Close()
		os.Remove(tarballPath)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(tarballPath)
		return "", fmt.Errorf("error closing tarball: %w", err)
	}

	stat, err := os.Stat(tarballPath)
	if err != nil {
		os.Remove(tarballPath)
		return "", fmt.Errorf("error checking tarball: %w", err)
	}
	if stat.Size() == 0 {
		os.Remove(tarballPath)
		return "", ErrEmptyOutput
	}

	slog.Info("tarball created", logging.TARBALL.Attr(), "entries", len(entries), "size", stat.Size())
	return tarballPath, nil
}

func writeTarball(w io.Writer, entries []tarEntry) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("error creating gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	for _, entry := range entries {
		if err := writeTarEntry(tw, entry); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("error finishing tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("error finishing gzip stream: %w", err)
	}
	return nil
}

func writeTarEntry(tw *tar.Writer, entry tarEntry) error {
	file, err := os.Open(entry.fullPath)
	if err != nil {
		return fmt.Errorf("error opening %v: %w", entry.fullPath, err)
	}
	defer file.Close()

	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     entry.name,
		Mode:     0o644,
		Size:     entry.size,
		ModTime:  tarEntryTime,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("error writing header for %v: %w", entry.name, err)
	}
	if _, err := io.CopyN(tw, file, entry.size); err != nil {
		return fmt.Errorf("error writing %v: %w", entry.name, err)
	}
	return nil
}
