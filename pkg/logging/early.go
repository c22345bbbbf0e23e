package logging

import (
	"fmt"
	"os"
)

// EarlyLog covers the window before the zap logger is configured
// (flag parsing, config load).
type EarlyLog struct{}

func NewEarlyLog() *EarlyLog {
	return &EarlyLog{}
}

func (l *EarlyLog) Errorf(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ERROR: "+msg+"\n", args...)
}
