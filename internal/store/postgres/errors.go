package postgres

import (
	"github.com/narvanalabs/botrunner/internal/store"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = store.ErrNotFound
