package lobby

import "errors"

var (
	ErrNameInUse        = errors.New("name in use")
	ErrInvalidService   = errors.New("invalid service")
	ErrInvalidTable     = errors.New("invalid table")
	ErrAlreadyAtTable   = errors.New("already at a table")
	ErrNotAtTable       = errors.New("not at a table")
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrNotNamed         = errors.New("no name registered")
)
