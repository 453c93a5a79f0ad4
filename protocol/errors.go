package protocol

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ValidationError is an error implementation which captures its validation context.
type ValidationError struct {
	Context []string
	Err     error
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	if len(ve.Context) != 0 {
		return strings.Join(ve.Context, ".") + ": " + ve.Err.Error()
	}
	return ve.Err.Error()
}

// ExtendContext type-checks |err| to a *ValidationError, and if matched extends
// it with |context|. In all cases the value of |err| is returned.
func ExtendContext(err error, format string, args ...interface{}) error {
	if ve, ok := err.(*ValidationError); ok {
		ve.Context = append([]string{fmt.Sprintf(format, args...)}, ve.Context...)
	}
	return err
}

// NewValidationError parallels fmt.Errorf to returns a new ValidationError instance.
func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

// CorruptionError is returned when stored data fails checksum verification
// or is framed incorrectly. Corruption is never repaired automatically.
type CorruptionError struct {
	FileNo uint64
	PageNo uint32
	Msg    string
}

// Error implements the error interface.
func (ce *CorruptionError) Error() string {
	return fmt.Sprintf("binlog corruption in %s page %d: %s", FileName(ce.FileNo), ce.PageNo, ce.Msg)
}

// IsCorruption returns whether the Cause of |err| is a *CorruptionError.
func IsCorruption(err error) bool {
	var _, ok = errors.Cause(err).(*CorruptionError)
	return ok
}

// StrictInvariants makes invariant violations fatal. It's set by tests.
// Otherwise violations are logged, and processing continues with best-effort
// recovery.
var StrictInvariants = false

// Violation reports an internal invariant violation.
func Violation(fields log.Fields, msg string) {
	if StrictInvariants {
		log.WithFields(fields).Panic(msg)
	}
	log.WithFields(fields).Error(msg)
}
