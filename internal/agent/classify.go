package agent

import (
	"errors"
	"strings"
)

// FailureClass partitions agent failures for the supervisor: auth-shaped
// failures are permanent, everything else goes through crash-restart.
type FailureClass int

const (
	FailureUnknown FailureClass = iota
	FailureTransient
	FailureAuth
)

// String returns the class name for logging.
func (c FailureClass) String() string {
	switch c {
	case FailureTransient:
		return "transient"
	case FailureAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// ClassifiedError tags an error with its failure class at the boundary,
// so runtimes that know better can bypass message matching.
type ClassifiedError struct {
	Class FailureClass
	Err   error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewClassifiedError wraps err with an explicit failure class.
func NewClassifiedError(class FailureClass, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Err: err}
}

var authMatchers = []string{
	"no api key",
	"authentication",
	"no model",
}

var transientMatchers = []string{
	"429",
	"500",
	"502",
	"503",
	"504",
	"529",
	"overloaded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"socket",
	"eof",
	"timed out",
}

// Classify maps an agent failure to its class. This is the only place
// error text is inspected; everything downstream switches on the class.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	msg := strings.ToLower(err.Error())
	for _, m := range authMatchers {
		if strings.Contains(msg, m) {
			return FailureAuth
		}
	}
	for _, m := range transientMatchers {
		if strings.Contains(msg, m) {
			return FailureTransient
		}
	}
	return FailureUnknown
}
