package kmod

import "errors"

// Error kinds, matched via errors.Is. Components return one of these
// (optionally wrapped with extra context via fmt.Errorf("...: %w", ...)).
var (
	ErrNotFound      = errors.New("kmod: module, alias, index, or symbol not found")
	ErrInvalidInput  = errors.New("kmod: invalid input")
	ErrAlreadyLoaded = errors.New("kmod: module already loaded")
	ErrInUse         = errors.New("kmod: module is in use")
	ErrIO            = errors.New("kmod: i/o error")
	ErrOutOfMemory   = errors.New("kmod: out of memory")
	ErrBlacklisted   = errors.New("kmod: module is blacklisted")
	ErrCycle         = errors.New("kmod: dependency cycle detected")
)
