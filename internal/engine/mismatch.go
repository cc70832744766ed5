package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/accountproof/internal/ledger"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
)

// Mismatch kinds.
const (
	MismatchRoot       = "root_mismatch"
	MismatchCommitment = "commitment_mismatch"
)

var (
	// ErrHalted is returned for proofs of a slot halted by a mismatch.
	ErrHalted = errors.New("slot halted by mismatch")

	// ErrNotHalted is returned when clearing a slot that is not halted.
	ErrNotHalted = errors.New("slot is not halted")
)

// MismatchError reports a slot whose built tree disagrees with what the
// cluster reported. It halts emission for the slot until cleared.
type MismatchError struct {
	Kind     string          `json:"kind"`
	Slot     uint64          `json:"slot"`
	Record   ledger.RecordID `json:"record"`
	Expected merkle.Hash     `json:"expected"`
	Built    merkle.Hash     `json:"built"`
	At       time.Time       `json:"at"`
}

func (e *MismatchError) Error() string {
	what := "root"
	if e.Kind == MismatchCommitment {
		what = "commitment"
	}
	return fmt.Sprintf("slot %d %s mismatch: expected %s, built %s", e.Slot, what, e.Expected, e.Built)
}

// Is makes every MismatchError match ErrHalted.
func (e *MismatchError) Is(target error) bool { return target == ErrHalted }
