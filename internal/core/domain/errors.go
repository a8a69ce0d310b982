package domain

import "errors"

var (
	ErrStreamNotFound     = errors.New("stream not found")
	ErrDuplicateStream    = errors.New("stream already exists")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrAlreadyRegistered  = errors.New("connection already registered")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrRoutingMiss        = errors.New("routing target not available")
)
