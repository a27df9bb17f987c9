package redis

import "errors"

// ErrKeyNotFound is returned by Commander implementations when a key does
// not exist. Higher layers translate it into their fail-soft returns.
var ErrKeyNotFound = errors.New("redis: key not found")
