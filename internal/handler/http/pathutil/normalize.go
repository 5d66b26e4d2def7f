// Package pathutil turns request paths into low-cardinality endpoint names.
//
// The normalized path is the rate-limit key component, so every
// identifier-like segment collapses to ":id". Metrics labels go through a
// Vocabulary on top of it.
package pathutil

import (
	"regexp"
	"strings"
)

// maxSegments bounds how many segments are kept. Deeper paths are truncated
// and terminated with "*".
const maxSegments = 8

var (
	uuidSegment = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hexSegment  = regexp.MustCompile(`^[0-9a-fA-F]{16,}$`)
)

// NormalizePath strips the query string, duplicate and trailing slashes,
// and replaces numeric, UUID and long hex segments with ":id".
//
// Examples:
//
//	NormalizePath("/api/v1/patients/123/notes")  // "/api/v1/patients/:id/notes"
//	NormalizePath("/api/v1/chat/message?x=1")     // "/api/v1/chat/message"
//	NormalizePath("/files/5f0c6e1a-3b1d-4c8e-9d6a-0a1b2c3d4e5f/") // "/files/:id"
//	NormalizePath("")                             // "/"
func NormalizePath(path string) string {
	if idx := strings.IndexByte(path, '?'); idx != -1 {
		path = path[:idx]
	}

	var b strings.Builder
	b.Grow(len(path))
	kept := 0
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		if kept == maxSegments {
			b.WriteString("/*")
			break
		}
		b.WriteByte('/')
		if isIdentifier(seg) {
			b.WriteString(":id")
		} else {
			b.WriteString(seg)
		}
		kept++
	}

	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

func isIdentifier(seg string) bool {
	if isDigits(seg) {
		return true
	}
	return uuidSegment.MatchString(seg) || hexSegment.MatchString(seg)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
