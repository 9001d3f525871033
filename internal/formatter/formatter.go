// package formatter renders bookmark lists to files (JSON, YAML, CSV, Markdown, plain text) and parses them back
package formatter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/shared"
	"gopkg.in/yaml.v3"
)

// Export formats.
const (
	FormatJSON     = "json"
	FormatYAML     = "yaml"
	FormatCSV      = "csv"
	FormatMarkdown = "markdown"
	FormatText     = "text"
	FormatHTML     = "html"
)

// ExportFormats lists the formats accepted by [Export].
var ExportFormats = []string{FormatJSON, FormatYAML, FormatCSV, FormatMarkdown, FormatText}

var csvHeaders = []string{"ID", "Title", "URL", "Created"}

// ExportToJSON encodes the list as a JSON array.
func ExportToJSON(items []models.Bookmark, pretty bool) ([]byte, error) {
	if items == nil {
		items = []models.Bookmark{}
	}
	return shared.MarshalJSON(items, pretty)
}

// ExportToYAML encodes the list as a YAML sequence.
func ExportToYAML(items []models.Bookmark) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if items == nil {
		items = []models.Bookmark{}
	}
	if err := enc.Encode(items); err != nil {
		return nil, fmt.Errorf("failed to encode YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode YAML: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportToCSV converts the list to CSV with columns: ID, Title, URL, Created
func ExportToCSV(items []models.Bookmark) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(csvHeaders); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, b := range items {
		record := []string{b.ID, b.Title, b.URL, b.CreatedAt.UTC().Format(time.RFC3339)}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportToMarkdown renders the list as a Markdown link list under title.
func ExportToMarkdown(items []models.Bookmark, title string) ([]byte, error) {
	var buf bytes.Buffer
	if title == "" {
		title = "Bookmarks"
	}

	fmt.Fprintf(&buf, "# %s\n\n", title)
	fmt.Fprintf(&buf, "**Bookmarks**: %d\n\n", len(items))

	for _, b := range items {
		fmt.Fprintf(&buf, "- [%s](%s) - %s\n", escapeMarkdown(b.Title), b.URL, b.CreatedAt.Format("2006-01-02"))
	}
	return buf.Bytes(), nil
}

func escapeMarkdown(s string) string {
	return strings.NewReplacer("[", `\[`, "]", `\]`).Replace(s)
}

// ExportToText renders one "title - url" line per bookmark.
func ExportToText(items []models.Bookmark) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Bookmarks: %d\n\n", len(items))
	for i, b := range items {
		fmt.Fprintf(&buf, "%d. %s - %s\n", i+1, b.Title, b.URL)
	}
	return buf.Bytes(), nil
}

// Export renders items in format.
func Export(items []models.Bookmark, format string) ([]byte, error) {
	switch NormalizeFormat(format) {
	case FormatJSON:
		return ExportToJSON(items, true)
	case FormatYAML:
		return ExportToYAML(items)
	case FormatCSV:
		return ExportToCSV(items)
	case FormatMarkdown:
		return ExportToMarkdown(items, "")
	case FormatText:
		return ExportToText(items)
	default:
		return nil, fmt.Errorf("%w: %q (want one of %s)", shared.ErrUnsupportedFormat, format, strings.Join(ExportFormats, ", "))
	}
}

// NormalizeFormat maps aliases and file extensions to a format name.
func NormalizeFormat(format string) string {
	switch f := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), ".")); f {
	case "yml":
		return FormatYAML
	case "md":
		return FormatMarkdown
	case "txt":
		return FormatText
	case "htm":
		return FormatHTML
	default:
		return f
	}
}

// DetectFormat guesses the format from a file extension, defaulting to JSON.
func DetectFormat(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return FormatJSON
	}
	return NormalizeFormat(ext)
}

// WriteExport renders items in format and writes them to path.
//
// An empty path defaults to bookmarks.{ext}.
func WriteExport(items []models.Bookmark, format, path string) (string, error) {
	data, err := Export(items, format)
	if err != nil {
		return "", err
	}

	if path == "" {
		path = "bookmarks." + Extension(format)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write export file: %w", err)
	}
	return path, nil
}

// Extension returns the conventional file extension for format.
func Extension(format string) string {
	switch NormalizeFormat(format) {
	case FormatMarkdown:
		return "md"
	case FormatText:
		return "txt"
	case FormatYAML:
		return "yaml"
	default:
		return NormalizeFormat(format)
	}
}

// ContentType returns the MIME type for format.
func ContentType(format string) string {
	switch NormalizeFormat(format) {
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case FormatHTML:
		return "text/html; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}
