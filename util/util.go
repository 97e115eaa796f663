package util

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"
)

// NormalizeInput flattens newlines and escapes HTML in user-supplied text.
func NormalizeInput(text string) string {
	normalized := strings.Replace(text, "\n", " ", -1)
	normalized = html.EscapeString(normalized)
	return normalized
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

// HandleParts splits a "user@host" handle. The leading @ of the
// "@user@host" form is tolerated.
func HandleParts(handle string) (string, string, error) {
	handle = strings.TrimPrefix(handle, "@")
	parts := strings.Split(handle, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("not a user@host handle: %q", handle)
	}
	return parts[0], parts[1], nil
}

// HTTPDate formats t the way the Date header wants it.
func HTTPDate(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
}
