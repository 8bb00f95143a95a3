package core

import "errors"

// Transaction errors. All of them are returned to the immediate caller;
// nothing here is retried internally.
var (
	ErrChannelBusy     = errors.New("channel busy")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrTimeout         = errors.New("transfer timeout")
	ErrInvalidChannel  = errors.New("invalid channel")

	ErrFaulted        = errors.New("channel faulted, reset required")
	ErrZeroLength     = errors.New("zero length transfer")
	ErrInvalidAddress = errors.New("register address out of range")
	ErrInvalidHeader  = errors.New("frame header field out of range")
	ErrNoPendingRead  = errors.New("no pending read")
	ErrNotSupported   = errors.New("not supported by this board")
	ErrAborted        = errors.New("transfer aborted by reset")
	ErrTransfer       = errors.New("transfer failed")
)

// TransferError carries the failure a backend reported for an exchange
// that had already been armed. It matches ErrTransfer and unwraps to the
// backend's error.
type TransferError struct {
	Channel string
	Err     error
}

func (e *TransferError) Error() string {
	return e.Channel + ": " + ErrTransfer.Error() + ": " + e.Err.Error()
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransfer }
