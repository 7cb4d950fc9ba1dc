package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"

	"github.com/jacentio/gachar/hierarchy"
)

// Primary SQLite result codes. Extended codes carry these in the low byte.
const (
	codeBusy       = 5
	codeLocked     = 6
	codeConstraint = 19
)

// mapError translates driver errors into hierarchy sentinels. what names the
// failed step for the message.
func mapError(what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %s: %v", hierarchy.ErrPersistenceUnavailable, what, err)
	}

	var se *sqlite.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%s: %w", what, err)
	}

	switch se.Code() & 0xff {
	case codeBusy, codeLocked:
		return fmt.Errorf("%w: %s: %v", hierarchy.ErrPersistenceUnavailable, what, err)
	case codeConstraint:
		msg := se.Error()
		switch {
		case strings.Contains(msg, "UNIQUE constraint failed: locations.name"):
			return fmt.Errorf("%w: %s", hierarchy.ErrDuplicateName, what)
		case strings.Contains(msg, "FOREIGN KEY constraint failed"):
			return fmt.Errorf("%w: %s", hierarchy.ErrParentNotFound, what)
		case strings.Contains(msg, "CHECK constraint failed"):
			return fmt.Errorf("%w: %s: %v", hierarchy.ErrInvalidInput, what, err)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}
