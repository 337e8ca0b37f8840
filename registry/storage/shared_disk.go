package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const tmpMarker = ".tmp-"

type SharedDiskStorage struct {
	basepath string
}

func NewSharedDisk(basepath string) Storage {
	slog.Info("creating new shared disk storage", "basepath", basepath)
	return &SharedDiskStorage{basepath: basepath}
}

func (s *SharedDiskStorage) FullPath(key Key) string {
	return filepath.Join(s.basepath, filepath.FromSlash(string(key)))
}

func (s *SharedDiskStorage) Read(key Key) (io.ReadCloser, error) {
	fullpath := s.FullPath(key)
	file, err := os.Open(fullpath)
	if err != nil {
		slog.Error("error opening file for read", "path", fullpath, "error", err)
		return nil, fmt.Errorf("error reading file %v: %w", key, err)
	}

	return file, nil
}

func (s *SharedDiskStorage) Write(key Key, data io.Reader) error {
	fullpath := s.FullPath(key)

	tmp, err := s.createTemp(fullpath)
	if err != nil {
		return fmt.Errorf("error opening file %v: %w", key, err)
	}

	if _, err := io.Copy(tmp, data); err != nil {
		discardTemp(tmp)
		slog.Error("error writing to file", "path", fullpath, "error", err)
		return fmt.Errorf("error writing to file %v: %w", key, err)
	}

	return s.commitTemp(tmp, fullpath)
}

func (s *SharedDiskStorage) Put(key Key, data []byte) error {
	return s.Write(key, bytes.NewReader(data))
}

func (s *SharedDiskStorage) Delete(key Key) error {
	fullpath := s.FullPath(key)
	err := os.RemoveAll(fullpath)
	if err != nil {
		slog.Error("error deleting file", "path", fullpath, "error", err)
		return fmt.Errorf("error deleting file %v: %w", key, err)
	}
	return nil
}

func (s *SharedDiskStorage) Move(localPath string, key Key) error {
	fullpath := s.FullPath(key)

	err := os.MkdirAll(filepath.Dir(fullpath), 0777)
	if err != nil {
		slog.Error("error creating parent directory", "path", fullpath, "error", err)
		return fmt.Errorf("error creating parent directory %v: %w", key, err)
	}

	err = os.Rename(localPath, fullpath)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		slog.Error("error moving file into storage", "src", localPath, "path", fullpath, "error", err)
		return fmt.Errorf("error moving %v to %v: %w", localPath, key, err)
	}

	// Source is on a different device, copy next to the destination and rename.
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("error opening %v for move: %w", localPath, err)
	}
	defer src.Close()

	if err := s.Write(key, src); err != nil {
		return err
	}

	if err := os.Remove(localPath); err != nil {
		slog.Warn("unable to remove source after cross device move", "src", localPath, "error", err)
	}
	return nil
}

func (s *SharedDiskStorage) List(key Key) ([]string, error) {
	fullpath := s.FullPath(key)
	entries, err := os.ReadDir(fullpath)
	if err != nil {
		slog.Error("error listing entries", "path", fullpath, "error", err)
		return nil, fmt.Errorf("error listing entries at %v: %w", key, err)
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if isTempName(entry.Name()) {
			continue
		}
		paths = append(paths, entry.Name())
	}

	return paths, nil
}

// Walk visits every file below key. A missing key is walked as empty and fn
// may return fs.SkipAll to stop early.
func (s *SharedDiskStorage) Walk(key Key, fn func(key Key, info fs.FileInfo) error) error {
	root := s.FullPath(key)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || isTempName(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(s.basepath, path)
		if err != nil {
			return err
		}
		fileKey, err := NewKey(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(fileKey, info)
	})
	if err != nil {
		slog.Error("error walking storage", "path", root, "error", err)
		return fmt.Errorf("error walking %v: %w", key, err)
	}
	return nil
}

func (s *SharedDiskStorage) Exists(key Key) (bool, error) {
	fullpath := s.FullPath(key)
	_, err := os.Stat(fullpath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	slog.Error("error checking if file exists", "path", fullpath, "error", err)
	return false, fmt.Errorf("error checking if file %v exists: %w", fullpath, err)
}

func (s *SharedDiskStorage) Size(key Key) (int64, error) {
	fullpath := s.FullPath(key)

	info, err := os.Stat(fullpath)
	if err != nil {
		slog.Error("error getting stats for file", "path", fullpath, "error", err)
		return 0, fmt.Errorf("error gettings stats for file %v: %w", fullpath, err)
	}

	return info.Size(), nil
}

func (s *SharedDiskStorage) Usage() (UsageStats, error) {
	var stat unix.Statfs_t

	err := unix.Statfs(s.basepath, &stat)
	if err != nil {
		slog.Error("error getting disk usage for shared storage", "path", s.basepath, "error", err)
		return UsageStats{}, fmt.Errorf("error getting disk usage stats: %w", err)
	}

	return UsageStats{
		TotalBytes: stat.Blocks * uint64(stat.Bsize),
		FreeBytes:  stat.Bfree * uint64(stat.Bsize),
	}, nil
}

func (s *SharedDiskStorage) Location() string {
	return s.basepath
}

func (s *SharedDiskStorage) createTemp(fullpath string) (*os.File, error) {
	err := os.MkdirAll(filepath.Dir(fullpath), 0777)
	if err != nil {
		slog.Error("error creating parent directory", "path", fullpath, "error", err)
		return nil, err
	}

	tmpPath := filepath.Join(filepath.Dir(fullpath), "."+filepath.Base(fullpath)+tmpMarker+uuid.NewString())
	file, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		slog.Error("error opening file for writing", "path", tmpPath, "error", err)
		return nil, err
	}
	return file, nil
}

func (s *SharedDiskStorage) commitTemp(tmp *os.File, fullpath string) error {
	if err := tmp.Sync(); err != nil {
		discardTemp(tmp)
		return fmt.Errorf("error syncing %v: %w", fullpath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("error closing %v: %w", fullpath, err)
	}
	if err := os.Rename(tmp.Name(), fullpath); err != nil {
		os.Remove(tmp.Name())
		slog.Error("error renaming temp file into place", "path", fullpath, "error", err)
		return fmt.Errorf("error committing %v: %w", fullpath, err)
	}
	return nil
}

func discardTemp(tmp *os.File) {
	tmp.Close()
	os.Remove(tmp.Name())
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, tmpMarker)
}
