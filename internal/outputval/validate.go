package outputval

import (
	"strings"

	"github.com/alexisbeaulieu97/kiln/internal/dag"
)

// Result classifies an action's console output and filesystem effects.
// Ordering matters: anything at or above UnexpectedConsoleOutputFail fails
// the node even when the return code is zero.
type Result int

const (
	// Pass means the output is acceptable and should be shown.
	Pass Result = iota
	// SwallowStdout means the action printed nothing worth showing.
	SwallowStdout
	// UnexpectedConsoleOutputFail means the action printed output the node
	// does not allow.
	UnexpectedConsoleOutputFail
	// UnwrittenOutputFileFail means a declared output file was not written.
	UnwrittenOutputFileFail
)

func (r Result) String() string {
	switch r {
	case Pass:
		return "pass"
	case SwallowStdout:
		return "swallow stdout"
	case UnexpectedConsoleOutputFail:
		return "unexpected console output"
	case UnwrittenOutputFileFail:
		return "output file not written"
	}
	return "unknown"
}

// Fails reports whether the result fails the node.
func (r Result) Fails() bool {
	return r >= UnexpectedConsoleOutputFail
}

// ValidateOutput checks the captured console output against the node's
// allowed-output substrings. Every non-empty line must be covered by at
// least one allowed substring; uncovered output is only tolerated when the
// node allows unexpected output.
func ValidateOutput(output string, node *dag.NodeData) Result {
	if strings.TrimSpace(output) == "" {
		return SwallowStdout
	}

	if allLinesCovered(output, node.AllowedOutputSubstrings) {
		return Pass
	}

	if node.Flags.Has(dag.FlagAllowUnexpectedOutput) {
		return Pass
	}
	return UnexpectedConsoleOutputFail
}

func allLinesCovered(output string, allowed []string) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !lineCovered(line, allowed) {
			return false
		}
	}
	return true
}

func lineCovered(line string, allowed []string) bool {
	for _, sub := range allowed {
		if strings.Contains(line, sub) {
			return true
		}
	}
	return false
}
