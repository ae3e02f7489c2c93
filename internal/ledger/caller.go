package ledger

import (
	"fmt"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Caller is the principal invoking an operation. Only a Caller built with
// Proven carries an identity; the zero value is an unsigned caller and every
// operation rejects it.
type Caller struct {
	addr   common.Address
	proven bool
}

// Proven returns a Caller for an address whose control was shown by a valid
// signature.
func Proven(addr common.Address) Caller {
	return Caller{addr: addr, proven: true}
}

// Address returns the caller's address.
func (c Caller) Address() common.Address { return c.addr }

// Signed reports whether the caller carries a proven, non-zero identity.
func (c Caller) Signed() bool {
	return c.proven && c.addr != (common.Address{})
}

// Is reports whether the caller is the signed principal addr.
func (c Caller) Is(addr common.Address) bool {
	return c.Signed() && c.addr == addr
}

// PredicateError reports a failed authorization predicate. It unwraps to
// domain.ErrInvalidAuthorization.
type PredicateError struct {
	Op        string
	Predicate string
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("predicate failed: %s", e.Predicate)
}

func (e *PredicateError) Unwrap() error { return domain.ErrInvalidAuthorization }

type predicate struct {
	ok   bool
	desc string
}

func holds(ok bool, desc string) predicate {
	return predicate{ok: ok, desc: desc}
}

// check evaluates predicates in order and reports the first that fails.
func check(op string, preds ...predicate) error {
	for _, p := range preds {
		if !p.ok {
			return &PredicateError{Op: op, Predicate: p.desc}
		}
	}
	return nil
}

// badArg reports a malformed operation argument.
func badArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrBadCommand, fmt.Sprintf(format, args...))
}

func isZero(a common.Address) bool { return a == (common.Address{}) }
