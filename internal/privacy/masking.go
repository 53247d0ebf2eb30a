package privacy

import (
	"strings"

	"fedsync/internal/constants"
)

// MaskUserID masks the localpart of a user ID, keeping the server name
// so logs stay correlatable per homeserver.
// Example: "@alice:remote.example" -> "@***ce:remote.example"
func MaskUserID(userID string) string {
	if userID == "" {
		return ""
	}

	if strings.HasPrefix(userID, "@") && strings.Contains(userID, ":") {
		idx := strings.Index(userID, ":")
		local := userID[1:idx]
		server := userID[idx:]
		return "@" + maskTail(local, 2) + server
	}

	return maskTail(userID, constants.DefaultIDMaskLength)
}

// MaskServerName masks all but the top-level part of a server name.
// Example: "chat.remote.example" -> "****.remote.example"
func MaskServerName(server string) string {
	if server == "" {
		return ""
	}

	parts := strings.SplitN(server, ".", 2)
	if len(parts) == 2 {
		return strings.Repeat("*", len(parts[0])) + "." + parts[1]
	}
	return maskTail(server, constants.DefaultIDMaskLength)
}

// MaskRoomID masks a room ID while keeping enough of the tail to match
// entries across log lines.
// Example: "!abcdefgh:example.org" -> "!****efgh:example.org"
func MaskRoomID(roomID string) string {
	if roomID == "" {
		return ""
	}

	if strings.HasPrefix(roomID, "!") && strings.Contains(roomID, ":") {
		idx := strings.Index(roomID, ":")
		local := roomID[1:idx]
		server := roomID[idx:]
		return "!" + maskTail(local, constants.DefaultIDMaskLength) + server
	}

	return maskTail(roomID, constants.DefaultIDMaskLength)
}

// maskTail keeps the last keep characters visible and masks the rest.
func maskTail(s string, keep int) string {
	if len(s) <= keep {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keep) + s[len(s)-keep:]
}
