package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for the rejection paths of bet placement, deposits and
// winner declaration. All of them are local, recoverable conditions: the
// operation is rejected with no state change and the caller reports it to
// the user.
var (
	// ErrAlreadyBet rejects a second bet before the round is cleared.
	ErrAlreadyBet = errors.New("account already has a live bet this round")

	// ErrInsufficientFunds rejects a bet whose reference amount exceeds the
	// account balance.
	ErrInsufficientFunds = errors.New("insufficient balance")

	// ErrInvalidTeam rejects a team that is not one of the two configured
	// round participants.
	ErrInvalidTeam = errors.New("team is not a round participant")

	// ErrLimitExceeded rejects amounts outside the configured
	// bet/deposit/balance limits.
	ErrLimitExceeded = errors.New("configured limit exceeded")
)

// ValidationError reports malformed input (non-positive amount, empty
// account id) rejected synchronously with no state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistError wraps a backend I/O failure on save or load. The in-memory
// state has already been mutated and remains authoritative for this process;
// the caller should retry Persist, since an unpersisted mutation is invisible
// to the peer process and would be lost on its next reload.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
