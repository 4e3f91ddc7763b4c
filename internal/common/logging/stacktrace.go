package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Stacktrace = "stacktrace"

// Unexported but considered part of the stable interface of pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Unexported but considered part of the stable interface of pkg/errors.
type causer interface {
	Cause() error
}

// WithStacktrace returns a new logrus.Entry obtained by adding error information and, if available, a stack trace
// as fields to the provided logrus.Entry.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	stack := ExtractStack(err)
	if stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack walks down the chain of errors and returns the deepest errors.StackTrace it encounters,
// i.e. the one recorded closest to where the error originated. Returns nil if there is none.
func ExtractStack(err error) errors.StackTrace {
	var stack errors.StackTrace
	for err != nil {
		if stackErr, ok := err.(stackTracer); ok {
			stack = stackErr.StackTrace()
		}
		causeErr, ok := err.(causer)
		if !ok {
			break
		}
		err = causeErr.Cause()
	}
	return stack
}
