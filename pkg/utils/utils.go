package utils

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// GoRecover runs f and recovers from a panic in it. The panic is logged
// with the stack trace under name.
func GoRecover(f func(), name string, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic recovered",
				zap.String("goroutine", name),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	f()
}
