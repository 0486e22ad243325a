package provenance

import (
	"encoding/json"
	"strings"
)

// Marker delimiters for source annotations embedded in content. The marker
// is an HTML comment so annotated content stays renderable as-is.
const (
	markerPrefix = "<!--collabsync:source "
	markerSuffix = "-->"
)

// Annotate appends a source marker to content. Annotating twice replaces
// the previous marker.
func Annotate(content string, src Source) string {
	clean, _ := Extract(content)
	data, err := json.Marshal(src)
	if err != nil {
		return clean
	}
	return clean + "\n\n" + markerPrefix + string(data) + markerSuffix
}

// Extract splits annotated content into the clean text and its source.
// Content without a marker returns the input unchanged and a nil source.
func Extract(content string) (string, *Source) {
	idx := strings.LastIndex(content, markerPrefix)
	if idx < 0 {
		return content, nil
	}
	rest := content[idx+len(markerPrefix):]
	end := strings.Index(rest, markerSuffix)
	if end < 0 {
		return content, nil
	}
	var src Source
	if err := json.Unmarshal([]byte(rest[:end]), &src); err != nil {
		return content, nil
	}
	clean := strings.TrimRight(content[:idx], "\n ")
	return clean, &src
}
