package collab

import (
	"errors"
)

// Admission errors are fatal to the connection attempt only. Persistence and
// bootstrap errors are never fatal to a room; they are logged and retried on
// the next save cycle.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrAccessDenied    = errors.New("access denied")
	ErrMalformedDocKey = errors.New("malformed document key")
	ErrNotFound        = errors.New("not found")
	ErrRoomClosed      = errors.New("room closed")
	ErrReadOnly        = errors.New("read only session")
)
