package client

import (
	"testing"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0B"},
		{1023, "1023B"},
		{1024, "1.0KB"},
		{1536, "1.5KB"},
		{5 * 1024 * 1024, "5.0MB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}

func TestFormatRelativeTime(t *testing.T) {
	now := time.Now()

	assert.Equal(t, "just now", FormatRelativeTime(now.Add(-10*time.Second)))
	assert.Equal(t, "5m ago", FormatRelativeTime(now.Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", FormatRelativeTime(now.Add(-3*time.Hour-time.Second)))
	assert.Equal(t, "2d ago", FormatRelativeTime(now.Add(-49*time.Hour)))
}

func TestFormatMessage(t *testing.T) {
	line := FormatMessage(protocol.Message{Kind: protocol.KindChat, Sender: "bob", Target: "ALL", Body: "hi there"}, "alice")
	assert.Contains(t, line, "[ALL]")
	assert.Contains(t, line, "bob")
	assert.Contains(t, line, "hi there")

	line = FormatMessage(protocol.NewNotify("lobby", "bob joined lobby"), "alice")
	assert.Contains(t, line, "* bob joined lobby")

	line = FormatMessage(protocol.NewSystem("alice", "Error: user carol is offline"), "alice")
	assert.Contains(t, line, "-- Error: user carol is offline")
}

func TestFormatSession(t *testing.T) {
	line := FormatSession(SessionInfo{ID: "lobby", Kind: protocol.SessionGroup, Unread: 3, Joined: true, Current: true})
	assert.Contains(t, line, "* lobby")
	assert.Contains(t, line, "(group)")
	assert.Contains(t, line, "3 unread")
	assert.NotContains(t, line, "not joined")

	line = FormatSession(SessionInfo{ID: "alicebob", Kind: protocol.SessionPrivate})
	assert.Contains(t, line, "not joined")
	assert.NotContains(t, line, "unread")
}

func TestFormatTraffic(t *testing.T) {
	assert.Equal(t, "sent 10B, received 2.0KB", FormatTraffic(10, 2048))
}
