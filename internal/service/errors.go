package service

import "errors"

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrRoomNotFound         = errors.New("room not found")
	ErrForbidden            = errors.New("forbidden: not a member of this room")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRegistrationFailed   = errors.New("registration failed: username or email already exists")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInternalServer       = errors.New("internal server error")
)
