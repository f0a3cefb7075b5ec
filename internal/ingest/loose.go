package ingest

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// The widget is third-party JavaScript running on arbitrary pages, so the
// best-effort parts of a submission arrive in whatever shape the page
// produced. These helpers read a raw JSON value and report whether it had a
// usable shape instead of failing the whole body.

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}

func decodeString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// decodeNumber accepts a JSON number or a numeric string. NaN and the
// infinities are not numbers here.
func decodeNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	switch raw[0] {
	case '"':
		s, ok := decodeString(raw)
		if !ok {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		f = v
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		if err := json.Unmarshal(raw, &f); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// decodeDimension accepts a non-negative whole number of pixels.
func decodeDimension(raw json.RawMessage) (int, bool) {
	f, ok := decodeNumber(raw)
	if !ok || f < 0 || f > math.MaxInt32 || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// decodeSize reads a non-negative whole byte count. Values beyond 1 TiB are
// not plausible screenshot sizes and read as unset.
func decodeSize(raw json.RawMessage) (int64, bool) {
	f, ok := decodeNumber(raw)
	if !ok || f < 0 || f > maxDeclaredSize || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

const maxDeclaredSize = 1 << 40

// cleanText replaces invalid UTF-8 and drops NUL, which PostgreSQL TEXT
// columns reject.
func cleanText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// truncateRunes cuts s to at most max characters without splitting a
// multi-byte sequence. The text is cleaned first so stored text is always
// valid.
func truncateRunes(s string, max int) (string, bool) {
	s = cleanText(s)
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s, false
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i], true
		}
		n++
	}
	return s, false
}
