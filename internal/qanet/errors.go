package qanet

import "errors"

var (
	// ErrConfig marks a configuration or wiring error found by New.
	ErrConfig = errors.New("qanet: invalid configuration")
	// ErrBatch is returned when token inputs are ragged or empty.
	ErrBatch = errors.New("qanet: malformed batch")
)
