package tree

import "errors"

var (
	ErrNotFound           = errors.New("node not found")
	ErrForbidden          = errors.New("node belongs to another user")
	ErrAlreadyExists      = errors.New("already exists")
	ErrValidation         = errors.New("validation failed")
	ErrStructuralConflict = errors.New("concurrent tree mutation")
)
