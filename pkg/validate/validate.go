// Package validate implements upload validation: filename syntax, MIME
// allow-listing, per-category size ceilings, and magic-number sniffing.
//
// Checks are layered cheapest-first and all failures for a request are
// collected into one Error so clients see the full reason list at once.
package validate

import (
	"errors"
	"fmt"
	"strings"
)

// Error carries the list of validation failures for a request.
type Error struct {
	Reasons []string
}

func (e *Error) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

// maxFilenameBytes is the filename length ceiling in bytes (not runes).
const maxFilenameBytes = 255

// invalidNameChars are rejected anywhere in a filename.
const invalidNameChars = `<>:"/\|?*`

// reservedNames are Windows device names that must not be used as a
// filename stem regardless of extension.
var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// checkFilename returns the reasons a filename is unacceptable, or nil.
func checkFilename(name string) []string {
	var reasons []string

	if len(name) == 0 {
		return []string{"filename is empty"}
	}
	if len(name) > maxFilenameBytes {
		reasons = append(reasons, fmt.Sprintf("filename exceeds %d bytes", maxFilenameBytes))
	}

	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			reasons = append(reasons, "filename contains control characters")
			break
		}
	}
	if strings.ContainsAny(name, invalidNameChars) {
		reasons = append(reasons, `filename contains reserved characters <>:"/\|?*`)
	}

	stem := name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		stem = name[:i]
	}
	if _, ok := reservedNames[strings.ToUpper(stem)]; ok {
		reasons = append(reasons, fmt.Sprintf("filename %q is a reserved device name", stem))
	}

	return reasons
}

// Declared validates name, MIME, and size only. This is the chunk-initiate
// fast path; content sniffing is deferred to assembly when the bytes exist.
func Declared(name, mime string, size int64) error {
	var reasons []string

	reasons = append(reasons, checkFilename(name)...)

	norm := NormalizeMime(mime)
	cat, allowed := categoryByMime[norm]
	if !allowed {
		reasons = append(reasons, fmt.Sprintf("MIME type %q is not allowed", mime))
	} else {
		if size <= 0 {
			reasons = append(reasons, "size must be positive")
		} else if limit := cat.MaxSize(); size > limit {
			reasons = append(reasons, fmt.Sprintf("size %d exceeds the %s limit of %d bytes", size, cat, limit))
		}
	}

	if len(reasons) > 0 {
		return &Error{Reasons: reasons}
	}
	return nil
}

// File validates a complete in-memory upload: everything Declared checks
// plus a magic-number sniff of the buffer against the declared MIME.
func File(name, mime string, size int64, buf []byte) error {
	var reasons []string

	if err := Declared(name, mime, size); err != nil {
		var ve *Error
		if errors.As(err, &ve) {
			reasons = append(reasons, ve.Reasons...)
		} else {
			return err
		}
	}

	if len(buf) > 0 {
		if detected, ok := SniffCompatible(mime, buf); !ok {
			reasons = append(reasons,
				fmt.Sprintf("declared MIME %q does not match detected content type %q", mime, detected))
		}
	}

	if len(reasons) > 0 {
		return &Error{Reasons: reasons}
	}
	return nil
}
