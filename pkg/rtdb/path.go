package rtdb

import (
	"fmt"
	"strings"
)

// Separator delimits location segments.
const Separator = "/"

const forbiddenChars = ".#$[]"

// CleanLocation trims surrounding separators and whitespace and validates
// every segment. The returned location never has a leading or trailing
// separator.
func CleanLocation(location string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(location), Separator)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty location", ErrInvalidLocation)
	}
	segs := strings.Split(trimmed, Separator)
	for _, seg := range segs {
		if seg == "" {
			return "", fmt.Errorf("%w: empty segment in %q", ErrInvalidLocation, location)
		}
		if strings.ContainsAny(seg, forbiddenChars) {
			return "", fmt.Errorf("%w: segment %q contains one of %q", ErrInvalidLocation, seg, forbiddenChars)
		}
	}
	return trimmed, nil
}

// IsCollection reports whether location names a collection.
func IsCollection(location string) bool {
	return strings.HasSuffix(strings.TrimSpace(location), Separator)
}

// Collection normalizes location into its collection form, ending with the
// separator. Leading separators are dropped.
func Collection(location string) string {
	trimmed := strings.Trim(strings.TrimSpace(location), Separator)
	if trimmed == "" {
		return Separator
	}
	return trimmed + Separator
}

// Parent returns the collection that contains the record at location.
// The parent of a top level record is the root collection "/".
func Parent(location string) string {
	trimmed := strings.Trim(strings.TrimSpace(location), Separator)
	idx := strings.LastIndex(trimmed, Separator)
	if idx < 0 {
		return Separator
	}
	return trimmed[:idx] + Separator
}

// Key returns the last segment of location.
func Key(location string) string {
	trimmed := strings.Trim(strings.TrimSpace(location), Separator)
	if idx := strings.LastIndex(trimmed, Separator); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// Join concatenates segments with the separator.
func Join(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, Separator); p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, Separator)
}

// Split returns the segments of location. The root yields nil.
func Split(location string) []string {
	trimmed := strings.Trim(strings.TrimSpace(location), Separator)
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, Separator)
}
