package protocol

import (
	"bytes"
	"testing"
	"unicode/utf8"
)

// FuzzReadFrame fuzzes the frame reader with random bytes
func FuzzReadFrame(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x00, 0x00})
	f.Add([]byte{0x00, 0x00, 0x00, 0x02, 'H', 'i'})

	valid, _ := EncodeMessage(Message{Kind: KindChat, Sender: "alice", Target: "ALL", Body: "hello|world"})
	f.Add(valid)

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must never panic or hang
		_, _ = ReadFrame(bytes.NewReader(data))
	})
}

// FuzzDecode checks that decoding is total and that a valid decode
// re-encodes to the same bytes
func FuzzDecode(f *testing.F) {
	f.Add([]byte("MSG|alice|ALL|hi"))
	f.Add([]byte("EXIT"))
	f.Add([]byte("|||"))
	f.Add([]byte("JOIN_SESSION|bob|alice|a|b|c"))

	f.Fuzz(func(t *testing.T, data []byte) {
		if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
			return
		}

		msg := Decode(data)
		encoded, err := Encode(msg)
		if err != nil {
			t.Fatalf("encode of decoded message failed: %v", err)
		}

		// Padding adds delimiters for missing fields, so compare decoded forms
		if again := Decode(encoded); again != msg {
			t.Fatalf("decode not stable: %+v vs %+v", again, msg)
		}
	})
}
