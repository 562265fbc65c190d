package protocol

import (
	"bytes"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed payload size (1 MB)
	MaxFrameSize = 1024 * 1024
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size (1 MB)")
	ErrEmptyFrame    = errors.New("empty frame")
)

// Frames on a stream transport are length-prefixed:
// [Length (4 bytes, big-endian)][Payload (Length bytes)]
// Length counts payload bytes only.

// WriteFrame writes a single length-prefixed payload. Header and payload go
// out in one Write so concurrent writers on a synchronised conn never
// interleave.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 0, 4+len(payload))
	b := bytes.NewBuffer(buf)
	if err := WriteUint32(b, uint32(len(payload))); err != nil {
		return err
	}
	b.Write(payload)

	_, err := w.Write(b.Bytes())
	return err
}

// ReadFrame reads one length-prefixed payload. A zero-length frame returns
// ErrEmptyFrame with the stream still positioned at the next frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return nil, ErrEmptyFrame
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return payload, nil
}

// WriteMessage encodes m and writes it as one frame
func WriteMessage(w io.Writer, m Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads one frame and decodes it
func ReadMessage(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	return Decode(payload), nil
}

// EncodeMessage is a helper that returns the framed bytes for m
func EncodeMessage(m Message) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := WriteMessage(buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
