package processing

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// A unitypackage stores every asset under a directory named after its guid:
//
//	<guid>/pathname     project relative path, e.g. Assets/Foo/Bar.cs
//	<guid>/asset        file contents, absent for folders
//	<guid>/asset.meta   importer settings
func isUnityPackageLayout(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("error listing %v: %w", dir, err)
	}
	found := false
	for _, entry := range entries {
		if !entry.IsDir() {
			return false, nil
		}
		if _, err := os.Stat(filepath.Join(dir, entry.Name(), "pathname")); err == nil {
			found = true
		}
	}
	return found, nil
}

func readAssetPathname(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", nil
	}
	return strings.TrimSpace(scanner.Text()), nil
}

// assetRelativePath maps a project path onto the package root.
func assetRelativePath(pathname string) string {
	pathname = path.Clean(strings.ReplaceAll(pathname, "\\", "/"))
	switch {
	case pathname == "Assets" || pathname == "Packages":
		return ""
	case strings.HasPrefix(pathname, "Assets/"):
		return strings.TrimPrefix(pathname, "Assets/")
	case strings.HasPrefix(pathname, "Packages/"):
		parts := strings.SplitN(pathname, "/", 3)
		if len(parts) < 3 {
			return ""
		}
		return parts[2]
	}
	return pathname
}

// restoreUnityPackage rebuilds the asset tree from a raw unitypackage
// extraction in src into dest.
func restoreUnityPackage(src, dest string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("error listing %v: %w", src, err)
	}

	for _, entry := range entries {
		assetDir := filepath.Join(src, entry.Name())
		pathname, err := readAssetPathname(filepath.Join(assetDir, "pathname"))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("error reading pathname for %v: %w", entry.Name(), err)
		}
		rel := assetRelativePath(pathname)
		if rel == "" || rel == "." {
			continue
		}
		target, err := safeJoin(dest, rel)
		if err != nil {
			return err
		}

		asset := filepath.Join(assetDir, "asset")
		if info, err := os.Stat(asset); err == nil && info.Mode().IsRegular() {
			if err := moveFile(asset, target); err != nil {
				return err
			}
		} else if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("error creating directory %v: %w", target, err)
		}

		meta := filepath.Join(assetDir, "asset.meta")
		if _, err := os.Stat(meta); err == nil {
			if err := moveFile(meta, target+".meta"); err != nil {
				return err
			}
		}
	}
	return nil
}

func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("error creating directory for %v: %w", dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("error moving %v to %v: %w", src, dst, err)
	}
	return nil
}
