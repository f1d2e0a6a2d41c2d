package ceeblue

import (
	"strings"

	"golang.org/x/text/cases"
)

// Formats lists the output formats the platform accepts.
var Formats = []string{
	"RTMP",
	"WebRTC",
	"HLS",
	"CMAF",
	"RTSP",
	"SRT",
	"UDPTS",
	"Internode",
	"HLS_CMAF",
	"DASH_CMAF",
	"JSONMetadata",
	"HESP",
}

var foldedFormats = func() map[string]string {
	fold := cases.Fold()
	out := make(map[string]string, len(Formats))
	for _, format := range Formats {
		out[fold.String(format)] = format
	}
	return out
}()

// CanonicalFormat maps a case-insensitive format name to the spelling the
// platform expects. Unknown names are returned trimmed but otherwise
// untouched so the platform can reject them.
func CanonicalFormat(format string) string {
	trimmed := strings.TrimSpace(format)
	if canonical, ok := foldedFormats[cases.Fold().String(trimmed)]; ok {
		return canonical
	}
	return trimmed
}

// KnownFormat reports whether format names a platform output format,
// ignoring case.
func KnownFormat(format string) bool {
	_, ok := foldedFormats[cases.Fold().String(strings.TrimSpace(format))]
	return ok
}
