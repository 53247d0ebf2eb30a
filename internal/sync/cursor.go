package sync

import (
	"strconv"
	"strings"

	apperrors "fedsync/internal/errors"
	"fedsync/internal/notify"
)

// Cursors are opaque to clients: a versioned prefix plus one counter per
// change class. A client that hands back whatever it last received
// always resumes from the versions it last observed.
const cursorPrefix = "c1"

// FormatCursor encodes a version vector as an opaque cursor string.
func FormatCursor(v notify.Versions) string {
	parts := make([]string, 0, notify.NumClasses+1)
	parts = append(parts, cursorPrefix)
	for _, version := range v {
		parts = append(parts, strconv.FormatUint(version, 10))
	}
	return strings.Join(parts, ".")
}

// ParseCursor decodes a cursor. An empty cursor is a valid initial sync
// and reads as all zeros; anything else malformed is a client error and
// is never retried internally.
func ParseCursor(cursor string) (notify.Versions, error) {
	var v notify.Versions
	if cursor == "" {
		return v, nil
	}

	parts := strings.Split(cursor, ".")
	if len(parts) != int(notify.NumClasses)+1 || parts[0] != cursorPrefix {
		return v, apperrors.NewCursorError(cursor)
	}

	for i := 0; i < int(notify.NumClasses); i++ {
		version, err := strconv.ParseUint(parts[i+1], 10, 64)
		if err != nil {
			return notify.Versions{}, apperrors.NewCursorError(cursor)
		}
		v[i] = version
	}
	return v, nil
}
