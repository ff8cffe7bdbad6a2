// sanitize.go - Filename sanitization shared by the upload and download paths.
package filestore

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// NotesSuffix is appended to a stored name to form its notes artifact.
const NotesSuffix = "_notes.txt"

// maxNameBytes leaves room for the timestamp prefix, a collision counter
// and the notes suffix within the usual 255 byte filesystem limit.
const maxNameBytes = 200

// maxStoredNameBytes is the longest name the store ever commits, so that
// its notes artifact still fits in 255 bytes.
const maxStoredNameBytes = 255 - len(NotesSuffix)

var windowsDeviceNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// SanitizeFilename turns a client supplied filename into a name that is safe
// to join onto the storage directory. It keeps only the final path element,
// collapses every run of characters outside letters, digits, '.', '-' and '_'
// into a single '_', trims leading and trailing dots and underscores, and
// preserves the extension when truncating.
//
// The function is idempotent: SanitizeFilename(SanitizeFilename(x)) == SanitizeFilename(x).
// ErrInvalidName is returned when nothing usable is left.
func SanitizeFilename(name string) (string, error) {
	clean, err := cleanFilename(name)
	if err != nil {
		return "", err
	}
	return truncateName(clean, maxNameBytes), nil
}

// cleanFilename applies every rule of SanitizeFilename except truncation.
// Stored names carry a prefix and counter on top of the sanitized name, so
// lookups compare against this form.
func cleanFilename(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))

	// Browsers on Windows may send the full client path.
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}

	var sb strings.Builder
	sb.Grow(len(name))
	pendingUnderscore := false
	for _, r := range name {
		if r == utf8.RuneError || !isSafeRune(r) {
			pendingUnderscore = true
			continue
		}
		if pendingUnderscore {
			sb.WriteByte('_')
			pendingUnderscore = false
		}
		sb.WriteRune(r)
	}
	if pendingUnderscore {
		sb.WriteByte('_')
	}

	clean := strings.Trim(sb.String(), "._")
	if clean == "" || clean == "." || clean == ".." {
		return "", ErrInvalidName
	}

	stem := clean
	if i := strings.IndexByte(stem, '.'); i >= 0 {
		stem = stem[:i]
	}
	if windowsDeviceNames[strings.ToUpper(stem)] {
		clean = "_" + clean
	}

	return clean, nil
}

func isSafeRune(r rune) bool {
	switch r {
	case '.', '-', '_':
		return true
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.In(r, unicode.Mn, unicode.Mc)
}

// truncateName shortens name to at most max bytes without splitting a rune,
// keeping the extension intact when it fits.
func truncateName(name string, max int) string {
	if len(name) <= max {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) >= max/2 {
		ext = ""
	}
	stem := strings.TrimSuffix(name, ext)
	limit := max - len(ext)
	for limit > 0 && !utf8.RuneStart(stem[limit]) {
		limit--
	}
	return strings.TrimRight(stem[:limit], "._") + ext
}

// Extension returns the lowercase extension of name without the leading dot.
// Names without a dot have no extension.
func Extension(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// NotesName returns the notes artifact name for a stored file.
func NotesName(storedName string) string {
	return storedName + NotesSuffix
}

// IsNotesName reports whether name follows the notes artifact convention.
func IsNotesName(name string) bool {
	return strings.HasSuffix(name, NotesSuffix)
}

// isHidden reports whether name is invisible to listings. Sanitized names
// never start with a dot, so staging and probe files use that prefix.
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
