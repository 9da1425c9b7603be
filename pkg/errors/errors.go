package errors

import "errors"

var (
	ErrInvalidData     = errors.New("invalid data type")
	ErrMalformedEntity = errors.New("malformed entity specification")
	ErrMissingToken    = errors.New("missing session token")
)
