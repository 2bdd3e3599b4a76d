package logger

import (
	"fmt"
	"log"

	"go.uber.org/zap"
)

// New returns a stdlib logger that writes through z at info level with a component prefix.
func New(z *zap.Logger, component string) *log.Logger {
	if z == nil {
		z = zap.NewNop()
	}
	std := zap.NewStdLog(z.Named(component))
	std.SetPrefix(fmt.Sprintf("[%s] ", component))
	return std
}
