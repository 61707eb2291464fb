package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationErrors collects all room-list validation errors
type ValidationErrors struct {
	InvalidRooms []string
	Duplicates   []string
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.InvalidRooms) > 0 || len(e.Duplicates) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")

	if len(e.InvalidRooms) > 0 {
		sb.WriteString("\nInvalid rooms:\n")
		for _, r := range e.InvalidRooms {
			sb.WriteString(fmt.Sprintf("  - %s\n", r))
		}
		sb.WriteString("\nA room is the digits from the live page URL, e.g. 168465302284 for https://live.douyin.com/168465302284\n")
	}

	if len(e.Duplicates) > 0 {
		sb.WriteString("\nDuplicate rooms:\n")
		for _, r := range e.Duplicates {
			sb.WriteString(fmt.Sprintf("  - %s\n", r))
		}
	}

	return sb.String()
}

// ValidateRooms checks every configured room entry. Entries may be bare
// room IDs or full live page URLs; anything else is collected and
// reported in one message.
func ValidateRooms(rooms []string) error {
	errs := &ValidationErrors{}
	seen := make(map[string]bool)

	for _, entry := range rooms {
		id, err := NormalizeRoomID(entry)
		if err != nil {
			errs.InvalidRooms = append(errs.InvalidRooms, entry)
			continue
		}
		if seen[id] {
			errs.Duplicates = append(errs.Duplicates, entry)
			continue
		}
		seen[id] = true
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// NormalizeRoomID accepts either a bare numeric room ID or a live page
// URL such as https://live.douyin.com/168465302284 and returns the ID.
func NormalizeRoomID(entry string) (string, error) {
	s := strings.TrimSpace(entry)
	if s == "" {
		return "", fmt.Errorf("empty room entry")
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("room entry %q: %w", entry, err)
		}
		s = strings.Trim(u.Path, "/")
		// Drop anything after the first path segment.
		if i := strings.IndexByte(s, '/'); i >= 0 {
			s = s[:i]
		}
	}

	if !allDigits(s) {
		return "", fmt.Errorf("room entry %q is not a numeric room ID", entry)
	}
	return s, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// NormalizeRooms maps every configured entry to its bare room ID,
// dropping duplicates while preserving order. Call after ValidateRooms.
func NormalizeRooms(rooms []string) []string {
	out := make([]string, 0, len(rooms))
	seen := make(map[string]bool)
	for _, entry := range rooms {
		id, err := NormalizeRoomID(entry)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
