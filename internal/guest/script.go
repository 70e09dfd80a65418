// Package guest generates the batch scripts executed inside the Windows
// build VM.
package guest

import (
	"fmt"
	"strings"
)

// guard aborts the script with the failing command's exit code. Batch files
// otherwise keep going after a failed command.
const guard = "if %errorlevel% neq 0 exit /b %errorlevel%"

// Script accumulates the commands for one guest build run. Commands execute
// in order and the script stops at the first failure, carrying its exit code
// back to the host.
type Script struct {
	commands []string
}

// Append adds one command. Arguments containing whitespace are quoted for
// cmd.exe. Batch file invocations (yarn, npm and friends are .cmd shims)
// need an explicit leading "call" or the script would never return.
func (s *Script) Append(args ...string) {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = quoteArg(arg)
	}
	s.commands = append(s.commands, strings.Join(quoted, " "))
}

// Empty reports whether no commands have been appended.
func (s *Script) Empty() bool {
	return len(s.commands) == 0
}

// Render produces the complete batch file: the native compiler environment
// prologue, the working directory change, then every appended command with
// an error guard after each one. Lines use CRLF; cmd.exe misparses bare LF
// in multi-line constructs.
func (s *Script) Render(vcvarsPath, vcvarsArch, workDir string) string {
	var sb strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&sb, format, args...)
		sb.WriteString("\r\n")
	}

	// Compiler environment first; a fresh guest session has none of the
	// build tooling on PATH until vcvarsall has run.
	line("call %s %s", quoteArg(vcvarsPath), vcvarsArch)
	line("%s", guard)
	line("cd /D %s", quoteArg(workDir))
	line("%s", guard)

	for _, cmd := range s.commands {
		line("%s", cmd)
		line("%s", guard)
	}

	return sb.String()
}

// quoteArg wraps an argument in double quotes when it contains whitespace.
func quoteArg(arg string) string {
	if strings.ContainsAny(arg, " \t") && !strings.HasPrefix(arg, `"`) {
		return `"` + arg + `"`
	}
	return arg
}
