package table

import "errors"

var (
	ErrInvalidSeats = errors.New("seat count not allowed by service")
	ErrTableFull    = errors.New("table full")
	ErrSeatTaken    = errors.New("seat taken")
	ErrInvalidSeat  = errors.New("no such seat")
	ErrNotSitting   = errors.New("not sitting")
	ErrAlreadyReady = errors.New("already ready")
	ErrNotReady     = errors.New("not ready")
	ErrNoVacantSeat = errors.New("no vacant seat")
	ErrNoRobots     = errors.New("no robots at table")
)
