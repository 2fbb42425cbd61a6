package sys

import (
	"fmt"
	"runtime/debug"

	"coilwinder/common/logger"

	"github.com/petermattis/goid"
)

func GetGID() uint64 {
	id := goid.Get()
	return uint64(id)
}

// CatchPanic converts a panic in the calling goroutine into an error stored
// in *errp, logging the stack. Use as `defer sys.CatchPanic(&err)`.
func CatchPanic(errp *error) {
	if r := recover(); r != nil {
		s := string(debug.Stack())
		logger.Error("panic:", GetGID(), r, s)
		if errp != nil {
			if e, ok := r.(error); ok {
				*errp = fmt.Errorf("panic: %w", e)
			} else {
				*errp = fmt.Errorf("panic: %v", r)
			}
		}
	}
}
