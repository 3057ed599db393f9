package decompiler

import (
	"fmt"

	"github.com/pkg/errors"
)

// Failure classes. Every error returned by the pipeline wraps one of these.
var (
	// ErrAmbiguousControlFlow is returned when a jump target cannot be
	// resolved statically, or resolves to several targets without being a
	// method return.
	ErrAmbiguousControlFlow = errors.New("ambiguous control flow")

	// ErrUnsupportedCallingConvention is returned for call and return
	// patterns that cannot be classified, e.g. recursion into a method whose
	// signature is not yet known.
	ErrUnsupportedCallingConvention = errors.New("unsupported calling convention")

	// ErrMergeInconsistency is returned when a join point needs a variable
	// that has no producer on some predecessor path.
	ErrMergeInconsistency = errors.New("merge inconsistency")

	// ErrMalformedBytecode is returned for structurally invalid input.
	ErrMalformedBytecode = errors.New("malformed bytecode")
)

// DecompileError is returned when neither the trusted run nor the fallback
// produced a program. A nil field means the attempt was not made.
type DecompileError struct {
	Trusted  error
	Fallback error
}

func (e *DecompileError) Error() string {
	switch {
	case e.Fallback == nil:
		return fmt.Sprintf("not decompilable: %v", e.Trusted)
	case e.Trusted == nil:
		return fmt.Sprintf("not decompilable: %v", e.Fallback)
	}
	return fmt.Sprintf("not decompilable: %v (fallback: %v)", e.Trusted, e.Fallback)
}

// Unwrap exposes both attempts to errors.Is and errors.As.
func (e *DecompileError) Unwrap() []error {
	var errs []error
	for _, err := range []error{e.Trusted, e.Fallback} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// FailureClass returns the failure class of err, or nil if it is none of them.
func FailureClass(err error) error {
	for _, kind := range []error{ErrMalformedBytecode, ErrAmbiguousControlFlow, ErrUnsupportedCallingConvention, ErrMergeInconsistency} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
