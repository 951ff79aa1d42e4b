package game

import "errors"

var (
	ErrSessionNotFound   = errors.New("session_not_found")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrNotYourTurn       = errors.New("not_your_turn")
	ErrAlreadyDecided    = errors.New("already_decided")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrValidation        = errors.New("validation_error")
)
