package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/menta2k/mask-annotator/pkg/types"
)

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// GenerateOutputFilename builds <dir>/<input name><suffix>.<format>
func GenerateOutputFilename(inputFile, outputDir, suffix, format string) string {
	if i := strings.IndexAny(inputFile, "?#"); i >= 0 {
		inputFile = inputFile[:i]
	}
	baseName := filepath.Base(inputFile)
	nameWithoutExt := SanitizeFilename(strings.TrimSuffix(baseName, filepath.Ext(baseName)))
	if nameWithoutExt == "" {
		nameWithoutExt = "image"
	}

	if format == "" {
		format = GetFileExtension(inputFile)
		if format == "" {
			format = "png"
		}
	}

	return filepath.Join(outputDir, fmt.Sprintf("%s%s.%s", nameWithoutExt, suffix, strings.ToLower(format)))
}

// SanitizeFilename removes or replaces invalid characters in filenames.
// URL inputs end up here too, so query strings are cut first.
func SanitizeFilename(filename string) string {
	if i := strings.IndexAny(filename, "?#"); i >= 0 {
		filename = filename[:i]
	}

	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := filename
	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}

	return strings.Trim(result, " .")
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}

	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

// ParseSize parses "800x600"
func ParseSize(s string) (float64, float64, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid size %q, want WIDTHxHEIGHT", s)
	}
	w, err := strconv.ParseFloat(parts[0], 64)
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("invalid width in %q", s)
	}
	h, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("invalid height in %q", s)
	}
	return w, h, nil
}

// Click is a scripted pointer event in container coordinates
type Click struct {
	X, Y  float64
	Label types.Label
}

// ParseClicks parses "x,y,label;x,y,label". The label is 1 for foreground
// and 0 for background and defaults to 1.
func ParseClicks(s string) ([]Click, error) {
	var clicks []Click
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		fields := strings.Split(item, ",")
		if len(fields) != 2 && len(fields) != 3 {
			return nil, fmt.Errorf("invalid click %q, want x,y[,label]", item)
		}

		x, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid x in %q: %w", item, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid y in %q: %w", item, err)
		}

		label := types.Foreground
		if len(fields) == 3 {
			n, err := strconv.Atoi(strings.TrimSpace(fields[2]))
			if err != nil || !types.Label(n).Valid() {
				return nil, fmt.Errorf("invalid label in %q, want 0 or 1", item)
			}
			label = types.Label(n)
		}

		clicks = append(clicks, Click{X: x, Y: y, Label: label})
	}
	return clicks, nil
}
