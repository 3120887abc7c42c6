// Package optimistic implements the apply-tentative, commit, roll-back
// sequence used for every optimistic local update.
package optimistic

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ErrRollback marks a failed write of the rolled-back value. The local copy
// still holds the tentative value when it is returned.
var ErrRollback = errors.New("write rollback")

// Update describes one optimistic change of a value of type T.
type Update[T any] struct {
	// Snapshot is the value before the change.
	Snapshot T
	// Tentative is written locally before Commit runs.
	Tentative T
	// Write persists a value locally.
	Write func(T) error
	// Commit confirms the change remotely.
	Commit func(context.Context) error
	// Settle, when set, derives the value written after a failed commit.
	// Without it the snapshot is restored.
	Settle func(snapshot T, commitErr error) T
	// Confirmed, when set, is written after a successful commit.
	Confirmed *T
}

// Apply writes the tentative value, runs the commit and then writes either the
// confirmed value or the rolled-back one. A failed commit is returned wrapped
// together with any error from the rollback write.
func Apply[T any](ctx context.Context, u Update[T]) error {
	if err := u.Write(u.Tentative); err != nil {
		return fmt.Errorf("write tentative: %w", err)
	}

	commitErr := u.Commit(ctx)
	if commitErr == nil {
		if u.Confirmed != nil {
			if err := u.Write(*u.Confirmed); err != nil {
				return fmt.Errorf("write confirmed: %w", err)
			}
		}
		return nil
	}

	rollback := u.Snapshot
	if u.Settle != nil {
		rollback = u.Settle(u.Snapshot, commitErr)
	}
	var result *multierror.Error
	result = multierror.Append(result, fmt.Errorf("commit: %w", commitErr))
	if err := u.Write(rollback); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: %w", ErrRollback, err))
	}
	return result.ErrorOrNil()
}
