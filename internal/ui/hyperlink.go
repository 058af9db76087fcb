// internal/ui/hyperlink.go
package ui

import (
	"fmt"
	"net/url"
	"path/filepath"
)

// Hyperlink creates a clickable hyperlink using OSC 8 escape sequences.
// The returned string displays text but clicking opens target.
func Hyperlink(target, text string) string {
	return fmt.Sprintf("\x1b]8;;%s\x07%s\x1b]8;;\x07", target, text)
}

// FileLink displays path as a link to the file on terminals and as plain
// text otherwise.
func FileLink(path string) string {
	if !IsTTY() {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return Hyperlink(u.String(), path)
}
