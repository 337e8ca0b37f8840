package processing

import (
	"fmt"
	"os"
	"slices"
)

const (
	DeviationDirectory = "directory"
	DeviationFile      = "file"
)

// Deviation is a top level entry outside the standard package layout.
type Deviation struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// ValidateStructure lists the root entries of dir that are not standard
// package folders or files. Deviations are informational only.
func ValidateStructure(dir string) ([]Deviation, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error listing %v: %w", dir, err)
	}

	deviations := []Deviation{}
	for _, entry := range entries {
		if entry.IsDir() {
			if !slices.Contains(standardFolders, entry.Name()) {
				deviations = append(deviations, Deviation{Type: DeviationDirectory, Name: entry.Name()})
			}
			continue
		}
		if !slices.Contains(standardFiles, entry.Name()) {
			deviations = append(deviations, Deviation{Type: DeviationFile, Name: entry.Name()})
		}
	}
	return deviations, nil
}
