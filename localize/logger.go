package localize

import "log"

// Logf is the package logger. Tests replace it to keep output quiet.
var Logf = log.Printf

// SetLogger replaces the package logger. A nil argument restores log.Printf.
func SetLogger(fn func(format string, v ...interface{})) {
	if fn == nil {
		Logf = log.Printf
		return
	}
	Logf = fn
}
