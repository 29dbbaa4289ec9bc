package util

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// ValidDocumentID reports whether id is safe to use as a channel name, a
// directory name and an object key segment.
func ValidDocumentID(id string) bool {
	return documentIDPattern.MatchString(id)
}
