package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// classifyError maps an error to a short class-name string, similar to
// classifying by exception type, falling back to the error's concrete
// Go type for anything unrecognized.
func classifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, io.EOF):
		return "eof"
	default:
		return fmt.Sprintf("%T", err)
	}
}

// classifyPanic maps a recovered panic value to a short class name.
func classifyPanic(r interface{}) string {
	if err, ok := r.(error); ok {
		return classifyError(err)
	}
	return fmt.Sprintf("%T", r)
}
