package server

import "errors"

// Validation and transport errors. Validation errors are reported to the
// offending connection as a SYS message and never affect other connections.
var (
	ErrNameInUse          = errors.New("name is already in use")
	ErrInvalidName        = errors.New("invalid name")
	ErrNoSuchSession      = errors.New("no such session")
	ErrNotAMember         = errors.New("not a member of session")
	ErrRecipientOffline   = errors.New("recipient offline")
	ErrSessionIDTaken     = errors.New("session id is taken")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrNotConnected       = errors.New("connect first")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrIOFailure          = errors.New("connection i/o failure")
	ErrPersistenceFailure = errors.New("persistence failure")
)
