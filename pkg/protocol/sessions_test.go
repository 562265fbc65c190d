package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrivateSessionID(t *testing.T) {
	assert.Equal(t, "alicebob", PrivateSessionID("alice", "bob"))
	assert.Equal(t, "alicebob", PrivateSessionID("bob", "alice"))
	assert.Equal(t, "carolcarol", PrivateSessionID("carol", "carol"))
}

func TestJoinedBodyRoundTrip(t *testing.T) {
	for _, kind := range []SessionKind{SessionBroadcast, SessionGroup, SessionPrivate} {
		body := JoinedBody(kind, "team session x")
		gotKind, gotID, ok := ParseJoined(body)
		assert.True(t, ok, body)
		assert.Equal(t, kind, gotKind)
		assert.Equal(t, "team session x", gotID)
	}

	for _, body := range []string{"", "Joined", "Joined private session ", "Joined weird session x", "Welcome alice"} {
		_, _, ok := ParseJoined(body)
		assert.False(t, ok, body)
	}
}

func TestLeftBody(t *testing.T) {
	id, ok := ParseLeft(LeftBody("general"))
	assert.True(t, ok)
	assert.Equal(t, "general", id)

	_, ok = ParseLeft("Left session ")
	assert.False(t, ok)
}

func TestParseSessionKind(t *testing.T) {
	k, ok := ParseSessionKind("GROUP")
	assert.True(t, ok)
	assert.Equal(t, SessionGroup, k)

	_, ok = ParseSessionKind("channel")
	assert.False(t, ok)
}
