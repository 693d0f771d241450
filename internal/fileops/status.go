package fileops

import (
	"errors"
	"io"
	"os"
)

// Status is the fixed response enumeration of the file-transfer protocol.
// The numeric values are the SFTP v3 wire values and must not change.
type Status uint32

const (
	StatusOK             Status = 0
	StatusEOF            Status = 1
	StatusNoSuchFile     Status = 2
	StatusPermission     Status = 3
	StatusFailure        Status = 4
	StatusBadMessage     Status = 5
	StatusNoConnection   Status = 6
	StatusConnectionLost Status = 7
	StatusOpUnsupported  Status = 8
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEOF:
		return "end of file"
	case StatusNoSuchFile:
		return "no such file"
	case StatusPermission:
		return "permission denied"
	case StatusFailure:
		return "failure"
	case StatusBadMessage:
		return "bad message"
	case StatusNoConnection:
		return "no connection"
	case StatusConnectionLost:
		return "connection lost"
	case StatusOpUnsupported:
		return "operation unsupported"
	default:
		return "unknown status"
	}
}

// statusFor maps an underlying error onto exactly one protocol status.
// Anything unrecognized degrades to StatusFailure, never to an opaque error.
func statusFor(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, io.EOF):
		return StatusEOF
	case errors.Is(err, os.ErrNotExist):
		return StatusNoSuchFile
	case errors.Is(err, os.ErrPermission):
		return StatusPermission
	default:
		return StatusFailure
	}
}
