package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskUserID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"full user ID", "@alice:remote.example", "@***ce:remote.example"},
		{"short localpart", "@ab:remote.example", "@**:remote.example"},
		{"no server part", "alice", "*lice"},
		{"at sign without colon", "@alice", "**lice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskUserID(tt.input))
		})
	}
}

func TestMaskServerName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"subdomain", "chat.remote.example", "****.remote.example"},
		{"two labels", "remote.example", "******.example"},
		{"single label", "localhost", "*****host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskServerName(tt.input))
		})
	}
}

func TestMaskRoomID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"full room ID", "!abcdefgh:example.org", "!****efgh:example.org"},
		{"short localpart", "!abc:example.org", "!***:example.org"},
		{"no server part", "abcdefgh", "****efgh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskRoomID(tt.input))
		})
	}
}

func TestMaskingKeepsLogsCorrelatable(t *testing.T) {
	// Two mentions of the same ID must mask to the same value.
	assert.Equal(t, MaskUserID("@alice:remote.example"), MaskUserID("@alice:remote.example"))
	// Different IDs on the same server stay distinguishable by tail.
	assert.NotEqual(t, MaskUserID("@alice:remote.example"), MaskUserID("@bobby:remote.example"))
}
