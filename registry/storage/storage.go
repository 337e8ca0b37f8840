package storage

import (
	"io"
	"io/fs"
)

type UsageStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// Storage addresses files by Key. Only implementations resolve keys to OS paths.
type Storage interface {
	Read(key Key) (io.ReadCloser, error)

	// Write replaces the contents at key atomically: readers see either the old
	// file or the complete new one.
	Write(key Key, data io.Reader) error

	Put(key Key, data []byte) error

	Exists(key Key) (bool, error)

	Delete(key Key) error

	// Move relocates a local file into storage. The rename into place is the
	// last step, so a partially copied file is never visible at key.
	Move(localPath string, key Key) error

	List(key Key) ([]string, error)

	Walk(key Key, fn func(key Key, info fs.FileInfo) error) error

	Size(key Key) (int64, error)

	FullPath(key Key) string

	Usage() (UsageStats, error)

	Location() string
}
