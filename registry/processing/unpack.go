package processing

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
)

var (
	standardFolders = []string{"Editor", "Runtime", "Tests", "Documentation"}
	standardFiles   = []string{"package.json", "README.md", "CHANGELOG.md", "LICENSE.md"}
)

// Unpack extracts the upload at src into a new scratch directory under
// scratchRoot and returns it. The caller owns the directory and must remove
// it. On error nothing is left behind.
func Unpack(src, scratchRoot string) (string, error) {
	format, err := detectFormat(src)
	if err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp(scratchRoot, "unpack-*")
	if err != nil {
		return "", fmt.Errorf("error creating scratch directory: %w", err)
	}

	if err := unpackInto(src, dir, scratchRoot, format); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func unpackInto(src, dir, scratchRoot string, format archiveFormat) error {
	switch format {
	case formatZip:
		return extractZip(src, dir)
	case formatTarGz:
		return extractTarGzFile(src, dir)
	case formatUnityPackage:
		raw, err := os.MkdirTemp(scratchRoot, "unitypackage-*")
		if err != nil {
			return fmt.Errorf("error creating scratch directory: %w", err)
		}
		defer os.RemoveAll(raw)

		if err := extractTarGzFile(src, raw); err != nil {
			return err
		}
		isUnity, err := isUnityPackageLayout(raw)
		if err != nil {
			return err
		}
		if !isUnity {
			// Some tools export plain tarballs with a .unitypackage extension.
			return moveChildren(raw, dir)
		}
		return restoreUnityPackage(raw, dir)
	}
	return fmt.Errorf("%w: %v", ErrUnsupportedFormat, filepath.Base(src))
}

func moveChildren(src, dest string) error {
	children, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("error listing %v: %w", src, err)
	}
	for _, child := range children {
		if err := os.Rename(filepath.Join(src, child.Name()), filepath.Join(dest, child.Name())); err != nil {
			return fmt.Errorf("error moving %v: %w", child.Name(), err)
		}
	}
	return nil
}

func isStandardFolder(entry os.DirEntry) bool {
	return entry.IsDir() && slices.Contains(standardFolders, entry.Name())
}

// Flatten hoists the contents of a single wrapping directory into dir when
// the wrapper holds at least one standard package folder. It reports whether
// anything moved. A correctly laid out package is left alone.
func Flatten(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("error listing %v: %w", dir, err)
	}
	if len(entries) != 1 || !entries[0].IsDir() || isStandardFolder(entries[0]) {
		return false, nil
	}

	wrapper := filepath.Join(dir, entries[0].Name())
	children, err := os.ReadDir(wrapper)
	if err != nil {
		return false, fmt.Errorf("error listing %v: %w", wrapper, err)
	}
	if !slices.ContainsFunc(children, isStandardFolder) {
		return false, nil
	}

	// The wrapper may contain a child with its own name, so move it aside first.
	staging := filepath.Join(dir, ".flatten-"+uuid.NewString())
	if err := os.Rename(wrapper, staging); err != nil {
		return false, fmt.Errorf("error staging %v: %w", wrapper, err)
	}
	if err := moveChildren(staging, dir); err != nil {
		return false, err
	}
	if err := os.Remove(staging); err != nil {
		return false, fmt.Errorf("error removing wrapper directory: %w", err)
	}
	return true, nil
}
