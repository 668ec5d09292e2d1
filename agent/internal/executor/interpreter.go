package executor

import (
	"os/exec"
	"runtime"
)

// Interpreter is the closed set of script interpreters the agent can
// launch. Adding one is an explicit extension of this enum and its launch
// strategy; there is no runtime lookup of arbitrary interpreter names.
type Interpreter int

const (
	InterpBash Interpreter = iota
	InterpSh
	InterpPowerShell
	InterpPython
)

var interpreterNames = map[string]Interpreter{
	"bash":       InterpBash,
	"sh":         InterpSh,
	"powershell": InterpPowerShell,
	"python3":    InterpPython,
	"python":     InterpPython,
}

// ParseInterpreter maps a payload interpreter name onto the enum. Unknown
// names fail here, before the allow-list is even consulted.
func ParseInterpreter(name string) (Interpreter, bool) {
	in, ok := interpreterNames[name]
	return in, ok
}

func (i Interpreter) String() string {
	switch i {
	case InterpBash:
		return "bash"
	case InterpSh:
		return "sh"
	case InterpPowerShell:
		return "powershell"
	case InterpPython:
		return "python3"
	}
	return "unknown"
}

// extension is the script file suffix the interpreter expects.
func (i Interpreter) extension() string {
	switch i {
	case InterpPowerShell:
		return ".ps1"
	case InterpPython:
		return ".py"
	default:
		return ".sh"
	}
}

// launch builds the command line for a script file. Each variant carries
// its own explicit strategy.
func (i Interpreter) launch(scriptPath string) (string, []string) {
	switch i {
	case InterpBash:
		return "bash", []string{scriptPath}
	case InterpSh:
		return "sh", []string{scriptPath}
	case InterpPowerShell:
		if runtime.GOOS == "windows" {
			return "powershell", []string{"-NoProfile", "-ExecutionPolicy", "Bypass", "-File", scriptPath}
		}
		return "pwsh", []string{"-NoProfile", "-File", scriptPath}
	case InterpPython:
		return "python3", []string{scriptPath}
	}
	return "", nil
}

// available reports whether the interpreter binary exists on this host.
func (i Interpreter) available() bool {
	name, _ := i.launch("probe")
	_, err := exec.LookPath(name)
	return err == nil
}

// allowed checks the interpreter against the configured allow-list by
// canonical name, so "python" and "python3" are the same entry.
func (i Interpreter) allowed(allowList []string) bool {
	for _, name := range allowList {
		if in, ok := ParseInterpreter(name); ok && in == i {
			return true
		}
	}
	return false
}
