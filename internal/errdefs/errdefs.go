package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrSpawn           = errors.New("could not spawn console")
	ErrWrite           = errors.New("could not write to console")
	ErrEmptyOutput     = errors.New("console produced no output")
	ErrParse           = errors.New("could not parse console output")
	ErrInvalidCommand  = errors.New("invalid console command")
	ErrInvalidAPIMode  = errors.New("invalid api mode")
	ErrUnknownSession  = errors.New("unknown session")
	ErrTooManySessions = errors.New("too many sessions")
	ErrConfig          = errors.New("config error")
)

// Refinements of ErrUnknownSession. errors.Is(err, ErrUnknownSession) holds
// for all of them.
var (
	ErrSessionNotFound = fmt.Errorf("%w: never existed", ErrUnknownSession)
	ErrSessionClosed   = fmt.Errorf("%w: closed by request", ErrUnknownSession)
	ErrSessionExited   = fmt.Errorf("%w: console exited", ErrUnknownSession)
)
