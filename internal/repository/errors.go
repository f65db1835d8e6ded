package repository

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrStateConflict is returned when a conditional write finds the row in an unexpected state.
	ErrStateConflict = errors.New("row not in expected state")
	// ErrDuplicateToken is returned when the ledger already holds an active token for (recording, reason).
	ErrDuplicateToken = errors.New("active reward token already exists for recording")
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	return false
}
