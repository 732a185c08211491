package sbt86

import (
	"fmt"
	"os"
)

// logf prints a progress message to stderr, in the same "SBT86: " form the
// original Python translator's log() helper used.
func logf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "SBT86: %s\n", fmt.Sprintf(format, args...))
}

// warnf prints a non-fatal warning. Warnings guide the driver author toward
// additional patchDynamicLiteral calls; they never abort translation.
func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "SBT86: Warning! %s\n", fmt.Sprintf(format, args...))
}
