package protocol

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// SerialHeader is the custom header legacy firmware sends the device
// serial on, supplementing Basic-Auth (spec §4.E, EXPANSION C
// serial_parser.py).
const SerialHeader = "X-NL-Device-Serial"

const minSerialLength = 10

// ExtractSerial implements the device-serial extraction priority order
// from spec §4.E: Basic-Auth username (legacy "nest.<serial>" prefix),
// the X-NL-Device-Serial header, the "serial" query parameter, and
// finally a "serial" mux path variable. The candidate is sanitized by
// stripping non-alphanumerics and upper-casing; anything shorter than
// minSerialLength is rejected.
func ExtractSerial(r *http.Request) (string, bool) {
	var candidate string

	if username, _, ok := r.BasicAuth(); ok && username != "" {
		candidate = basicAuthSerial(username)
	}
	if candidate == "" {
		candidate = r.Header.Get(SerialHeader)
	}
	if candidate == "" {
		candidate = r.URL.Query().Get("serial")
	}
	if candidate == "" {
		candidate = mux.Vars(r)["serial"]
	}

	serial := sanitizeSerial(candidate)
	if len(serial) < minSerialLength {
		return "", false
	}
	return serial, true
}

// basicAuthSerial splits a Basic-Auth username on the first "." and
// returns everything after it, whatever the prefix is; a username with
// no "." is returned whole.
func basicAuthSerial(username string) string {
	parts := strings.SplitN(username, ".", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return username
}

func sanitizeSerial(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		}
	}
	return b.String()
}
