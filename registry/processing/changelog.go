package processing

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
	"unity_registry/registry/schema"

	"gorm.io/gorm"
)

// FormatChangelogLine normalizes one changelog bullet into " - Text." form.
// Blank lines are returned unchanged.
func FormatChangelogLine(line string) string {
	text := strings.TrimSpace(line)
	if text == "" {
		return line
	}
	text = strings.TrimSpace(strings.TrimLeft(text, "-"))
	if text == "" {
		return line
	}

	first, size := utf8.DecodeRuneInString(text)
	text = string(unicode.ToUpper(first)) + text[size:]

	if !strings.HasSuffix(text, ".") && !strings.HasSuffix(text, "!") && !strings.HasSuffix(text, "?") {
		text += "."
	}
	return " - " + text
}

// FormatChangelog applies FormatChangelogLine to every line of text.
func FormatChangelog(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = FormatChangelogLine(line)
	}
	return strings.Join(lines, "\n")
}

// BuildChangelog aggregates the changelogs of every release of a package,
// newest first.
func BuildChangelog(db *gorm.DB, packageId uint) (string, error) {
	releases, err := schema.ListReleases(packageId, db, false)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, release := range releases {
		text := strings.TrimSpace(release.Changelog)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "Version: %v\n\n========\n\n%v\n\n\n", release.Version, text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// writeChangelog writes CHANGELOG.md into dir. Nothing is written for an
// empty changelog, leaving any uploaded file in place.
func writeChangelog(dir, text string) (bool, error) {
	if text == "" {
		return false, nil
	}
	if err := os.WriteFile(filepath.Join(dir, "CHANGELOG.md"), []byte(text), 0o644); err != nil {
		return false, fmt.Errorf("error writing CHANGELOG.md: %w", err)
	}
	return true, nil
}
