package formatter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/desertthunder/marks/internal/shared"
	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"
)

// ImportFormats lists the formats accepted by [Parse].
var ImportFormats = []string{FormatJSON, FormatYAML, FormatCSV, FormatHTML}

// Entry is one bookmark read from an import file. Fields are trimmed but may be empty.
type Entry struct {
	Title string `json:"title" yaml:"title"`
	URL   string `json:"url" yaml:"url"`
}

// Parse reads entries in format from r.
func Parse(r io.Reader, format string) ([]Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read import data: %w", err)
	}

	var entries []Entry
	switch NormalizeFormat(format) {
	case FormatJSON:
		entries, err = ParseJSON(data)
	case FormatYAML:
		entries, err = ParseYAML(data)
	case FormatCSV:
		entries, err = ParseCSV(data)
	case FormatHTML:
		entries, err = ParseHTML(data)
	default:
		return nil, fmt.Errorf("%w: %q (want one of %s)", shared.ErrUnsupportedFormat, format, strings.Join(ImportFormats, ", "))
	}
	if err != nil {
		return nil, err
	}

	for i := range entries {
		entries[i].Title = strings.TrimSpace(entries[i].Title)
		entries[i].URL = strings.TrimSpace(entries[i].URL)
	}
	return entries, nil
}

// ParseJSON accepts either an array of {title, url} objects or an object with a "bookmarks" array.
func ParseJSON(data []byte) ([]Entry, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Bookmarks []Entry `json:"bookmarks"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
		return wrapped.Bookmarks, nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return entries, nil
}

// homepageEntry is a link in a Homepage bookmarks.yaml.
type homepageEntry struct {
	Abbr string `yaml:"abbr"`
	Href string `yaml:"href"`
}

// ParseYAML accepts a sequence of {title, url} mappings, as written by [ExportToYAML], or a Homepage
// bookmarks.yaml (groups of named links).
func ParseYAML(data []byte) ([]Entry, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("failed to parse YAML: expected a list of bookmarks")
	}
	var entries []Entry
	for _, n := range doc.Content {
		if isEntryNode(n) {
			var e Entry
			if err := n.Decode(&e); err != nil {
				return nil, fmt.Errorf("failed to parse YAML entry: %w", err)
			}
			entries = append(entries, e)
			continue
		}

		var group map[string][]map[string][]homepageEntry
		if err := n.Decode(&group); err != nil {
			return nil, fmt.Errorf("failed to parse YAML group: %w", err)
		}
		for _, name := range sortedGroupNames(group) {
			for _, links := range group[name] {
				for _, title := range sortedLinkNames(links) {
					for _, link := range links[title] {
						entries = append(entries, Entry{Title: title, URL: link.Href})
					}
				}
			}
		}
	}
	return entries, nil
}

func isEntryNode(n *yaml.Node) bool {
	if n.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if k := n.Content[i].Value; k == "url" || k == "title" {
			return true
		}
	}
	return false
}

func sortedGroupNames(m map[string][]map[string][]homepageEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedLinkNames(m map[string][]homepageEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseCSV reads the layout written by [ExportToCSV]. Columns are found by header name.
func ParseCSV(data []byte) ([]Entry, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV headers: %w", err)
	}

	titleCol, urlCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "title", "name":
			titleCol = i
		case "url", "href", "link":
			urlCol = i
		}
	}
	if titleCol < 0 || urlCol < 0 {
		return nil, fmt.Errorf("%w: CSV needs title and url columns", shared.ErrInvalidInput)
	}

	var entries []Entry
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV record: %w", err)
		}
		var e Entry
		if titleCol < len(record) {
			e.Title = record[titleCol]
		}
		if urlCol < len(record) {
			e.URL = record[urlCol]
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ParseHTML reads a Netscape bookmark file (the format browsers export), taking every anchor with an href.
func ParseHTML(data []byte) ([]Entry, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var entries []Entry
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if strings.EqualFold(attr.Key, "href") {
					entries = append(entries, Entry{Title: textContent(n), URL: attr.Val})
					break
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return entries, nil
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
