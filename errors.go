package chainlog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOutOfOrder indicates an append whose date is not after the latest entry.
var ErrOutOfOrder = errors.New("entry date is not after the latest entry")

// ErrDuplicateDate indicates a plain append for a date that already has an entry.
var ErrDuplicateDate = errors.New("entry for date already exists")

// ErrImmutableEntry indicates an attempt to alter a committed entry outside the
// same-day correction window.
var ErrImmutableEntry = errors.New("entry is immutable")

// ErrChainVerification indicates a recomputed hash or linkage mismatch.
var ErrChainVerification = errors.New("chain verification failed")

// ErrMissingInput indicates the producer did not supply required fields.
var ErrMissingInput = errors.New("missing required input")

// ErrEntryNotFound is returned when no entry exists for the requested date.
var ErrEntryNotFound = errors.New("entry not found")

// ErrEmptyLog is returned by operations that need at least one committed entry.
var ErrEmptyLog = errors.New("log is empty")

// ErrStaleTail is returned by a Store when a commit was built against a tail
// that another writer has since moved.
var ErrStaleTail = errors.New("store tail moved")

// OutOfOrderError reports an append that would break date ordering.
type OutOfOrderError struct {
	Date   string
	Latest string
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out of order append: date %s is not after latest %s", e.Date, e.Latest)
}

// Is reports whether target is ErrOutOfOrder.
func (*OutOfOrderError) Is(target error) bool { return target == ErrOutOfOrder }

// DuplicateDateError reports a second plain append for the same date.
type DuplicateDateError struct {
	Date string
}

func (e *DuplicateDateError) Error() string {
	return fmt.Sprintf("duplicate date: entry for %s already exists", e.Date)
}

// Is reports whether target is ErrDuplicateDate.
func (*DuplicateDateError) Is(target error) bool { return target == ErrDuplicateDate }

// ImmutableEntryError reports an attempt to alter a frozen entry.
type ImmutableEntryError struct {
	Date   string
	Reason string
}

func (e *ImmutableEntryError) Error() string {
	return fmt.Sprintf("entry %s is immutable: %s", e.Date, e.Reason)
}

// Is reports whether target is ErrImmutableEntry.
func (*ImmutableEntryError) Is(target error) bool { return target == ErrImmutableEntry }

// ChainVerificationError identifies the first broken link of a chain.
type ChainVerificationError struct {
	Index  int
	Date   string
	Reason string
}

func (e *ChainVerificationError) Error() string {
	return fmt.Sprintf("chain broken at index %d (date %s): %s", e.Index, e.Date, e.Reason)
}

// Is reports whether target is ErrChainVerification.
func (*ChainVerificationError) Is(target error) bool { return target == ErrChainVerification }

// MissingInputError lists the required fields a producer left empty.
type MissingInputError struct {
	Fields []string
}

func (e *MissingInputError) Error() string {
	return "missing required input: " + strings.Join(e.Fields, ", ")
}

// Is reports whether target is ErrMissingInput.
func (*MissingInputError) Is(target error) bool { return target == ErrMissingInput }
