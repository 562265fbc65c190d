package protocol

import (
	"errors"
	"strings"
)

// Delimiter separates the fields of a wire message
const Delimiter = "|"

// ErrNullByte is returned when a message contains a NUL byte
var ErrNullByte = errors.New("message contains a null byte")

// Encode renders m as KIND|SENDER|TARGET|BODY. Body goes last and is never
// escaped, so it may contain the delimiter.
func Encode(m Message) ([]byte, error) {
	var sb strings.Builder
	sb.Grow(len(m.Kind) + len(m.Sender) + len(m.Target) + len(m.Body) + 3)

	for i, field := range []string{string(m.Kind), m.Sender, m.Target, m.Body} {
		if strings.IndexByte(field, 0) >= 0 {
			return nil, ErrNullByte
		}
		if i > 0 {
			sb.WriteString(Delimiter)
		}
		sb.WriteString(field)
	}

	return []byte(sb.String()), nil
}

// Decode splits data into at most four fields. Everything after the third
// delimiter is the body. Missing fields decode as empty strings, and input
// without any delimiter becomes the kind. Decode never fails; callers check
// Kind.Valid to detect malformed input.
func Decode(data []byte) Message {
	parts := strings.SplitN(string(data), Delimiter, 4)
	for len(parts) < 4 {
		parts = append(parts, "")
	}

	return Message{
		Kind:   Kind(parts[0]),
		Sender: parts[1],
		Target: parts[2],
		Body:   parts[3],
	}
}
