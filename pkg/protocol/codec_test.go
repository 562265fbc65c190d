package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "chat",
			msg:  Message{Kind: KindChat, Sender: "alice", Target: "ALL", Body: "hi"},
			want: "MSG|alice|ALL|hi",
		},
		{
			name: "body with delimiters",
			msg:  Message{Kind: KindChat, Sender: "alice", Target: "ALL", Body: "a|b||c"},
			want: "MSG|alice|ALL|a|b||c",
		},
		{
			name: "connect with empty target and body",
			msg:  Message{Kind: KindConnect, Sender: "bob"},
			want: "CONNECT|bob||",
		},
		{
			name: "system reply",
			msg:  NewSystem("alice", "welcome"),
			want: "SYS|Server|alice|welcome",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestEncodeRejectsNullByte(t *testing.T) {
	for _, msg := range []Message{
		{Kind: KindChat, Sender: "alice", Target: "ALL", Body: "a\x00b"},
		{Kind: KindChat, Sender: "al\x00ice", Target: "ALL"},
		{Kind: KindChat, Sender: "alice", Target: "A\x00LL"},
	} {
		_, err := Encode(msg)
		assert.ErrorIs(t, err, ErrNullByte)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Message
	}{
		{
			name:  "all fields",
			input: "MSG|alice|ALL|hello",
			want:  Message{Kind: KindChat, Sender: "alice", Target: "ALL", Body: "hello"},
		},
		{
			name:  "body keeps extra delimiters",
			input: "MSG|alice|ALL|x|y|z",
			want:  Message{Kind: KindChat, Sender: "alice", Target: "ALL", Body: "x|y|z"},
		},
		{
			name:  "missing trailing fields",
			input: "EXIT|alice",
			want:  Message{Kind: KindDisconnect, Sender: "alice"},
		},
		{
			name:  "no delimiter",
			input: "garbage",
			want:  Message{Kind: Kind("garbage")},
		},
		{
			name:  "empty input",
			input: "",
			want:  Message{},
		},
		{
			name:  "trailing delimiter gives empty body",
			input: "JOIN_SESSION|alice|ALL|",
			want:  Message{Kind: KindJoin, Sender: "alice", Target: "ALL"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode([]byte(tt.input)))
		})
	}
}

func TestKindValid(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid(), "kind %s", k)
	}
	assert.False(t, Kind("JOIN").Valid())
	assert.False(t, Kind("").Valid())
	assert.False(t, Kind("msg").Valid())
}
