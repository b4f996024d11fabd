package safetensors

import (
	"bytes"
	"strings"
)

// sniffWindow bounds how far into the file error-page markers are searched.
const sniffWindow = 1000

// errorPageMarkers are substrings that indicate the file is an HTTP error
// body (typically an auth failure) rather than container bytes. Matching is
// case-insensitive over the first sniffWindow bytes.
var errorPageMarkers = []string{
	"<!doctype",
	"<html",
	"401",
	"403",
	"unauthorized",
	"access denied",
	"authentication required",
}

// sniffErrorPage reports whether data begins with what looks like an error
// page, returning the matched marker. A valid container always starts with a
// binary header-length word, so false positives require the length field
// itself to spell out markup, which the header-size check rejects anyway.
func sniffErrorPage(data []byte) (string, bool) {
	window := data
	if len(window) > sniffWindow {
		window = window[:sniffWindow]
	}
	// Only text-like prefixes are candidates; real containers start with a
	// little-endian length whose high bytes are almost always zero.
	if !looksTextual(window) {
		return "", false
	}
	lower := strings.ToLower(string(window))
	for _, marker := range errorPageMarkers {
		if strings.Contains(lower, marker) {
			return marker, true
		}
	}
	return "", false
}

func looksTextual(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	if bytes.IndexByte(data, 0x00) >= 0 {
		return false
	}
	printable := 0
	for _, b := range data {
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7F) {
			printable++
		}
	}
	return printable*10 >= len(data)*9
}
