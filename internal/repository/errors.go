package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) IsTransient() bool {
	return false
}

// IsIntegrityViolation reports whether err is a PostgreSQL class 23 error
// (not null, check, unique or foreign key violation). Such rows fail on every retry.
func IsIntegrityViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "23"
	}
	return false
}

// IsDataException reports whether err is a PostgreSQL class 22 error, e.g. numeric overflow
func IsDataException(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "22"
	}
	return false
}
