package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrRevisionLocked is returned when the write-lock triggers reject a mutation.
	ErrRevisionLocked = errors.New("revision is locked")
	// ErrStatusConflict is returned when a compare-and-set status update finds a different status.
	ErrStatusConflict = errors.New("revision status changed concurrently")
	ErrDuplicate      = errors.New("duplicate record")
	// ErrDigestMismatch is returned when a stored snapshot or artifact digest differs from the one being committed.
	ErrDigestMismatch = errors.New("digest mismatch")
)

const (
	sqlStateObjectNotInPrerequisiteState = "55000"
	sqlStateUniqueViolation              = "23505"
)

// wrapErr maps driver errors onto the package sentinels, keeping the original in the chain.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateObjectNotInPrerequisiteState:
			return fmt.Errorf("%s: %w: %s", op, ErrRevisionLocked, pgErr.Message)
		case sqlStateUniqueViolation:
			return fmt.Errorf("%s: %w: %s", op, ErrDuplicate, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
