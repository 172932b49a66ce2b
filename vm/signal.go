package vm

import "fmt"

// Signal is a guest signal number. Values follow Linux on ARM64, regardless
// of the host platform.
type Signal int

// Guest signals raised by the platform.
const (
	SIGILL  Signal = 4
	SIGTRAP Signal = 5
	SIGBUS  Signal = 7
	SIGKILL Signal = 9
	SIGSEGV Signal = 11
	SIGXCPU Signal = 24
)

var signalNames = map[Signal]string{
	SIGILL:  "SIGILL",
	SIGTRAP: "SIGTRAP",
	SIGBUS:  "SIGBUS",
	SIGKILL: "SIGKILL",
	SIGSEGV: "SIGSEGV",
	SIGXCPU: "SIGXCPU",
}

func (s Signal) String() string {
	if name, ok := signalNames[s]; ok {
		return name
	}
	return fmt.Sprintf("signal %d", int(s))
}

// Signaler is implemented by errors that terminate a guest program with a
// specific signal.
type Signaler interface {
	Signal() Signal
}
