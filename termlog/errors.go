package termlog

import "errors"

var (
	// ErrFinished is returned by any mutation attempted after Finish.
	ErrFinished = errors.New("log finished")
	// ErrUnknownPrompt is returned when a respond targets a name or index
	// with no pending prompt entry.
	ErrUnknownPrompt = errors.New("unknown prompt")
	// ErrAlreadyResolved is returned when a respond targets an entry that
	// already carries a resolved value.
	ErrAlreadyResolved = errors.New("prompt already resolved")
)
