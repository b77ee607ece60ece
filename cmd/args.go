package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/TFMV/onevent/internal/command"
	"github.com/TFMV/onevent/internal/mask"
)

const commandSeparator = "--"

// Invocation is the parsed command line.
type Invocation struct {
	Mask    mask.Mask
	Paths   []string // literal paths and glob patterns, in argument order
	Command []string
	Policy  command.Policy
	Verbose bool
	Help    bool
	Version bool
}

// UsageError is a command line that cannot be run. Token is the offending
// argument, if there is one.
type UsageError struct {
	Reason string
	Token  string
}

func (e *UsageError) Error() string {
	if e.Token == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Token)
}

// parseArgs splits args (without the program name) into flags, paths and the
// command after the first "--". Flags may appear anywhere before "--".
func parseArgs(args []string) (Invocation, error) {
	var inv Invocation
	sawSeparator := false

	for i, arg := range args {
		if arg == commandSeparator {
			inv.Command = args[i+1:]
			sawSeparator = true
			break
		}

		if len(arg) < 2 || arg[0] != '-' {
			inv.Paths = append(inv.Paths, arg)
			continue
		}

		switch arg {
		case "-h", "-help", "--help":
			inv.Help = true
			return inv, nil
		case "-version", "--version":
			inv.Version = true
			return inv, nil
		case "-EXACT":
			inv.Policy = command.PolicyWholeToken
		case "-VERBOSE":
			inv.Verbose = true
		default:
			bits, err := mask.Lookup(arg[1:])
			if err != nil {
				return inv, &UsageError{Reason: "invalid flag", Token: arg}
			}
			inv.Mask |= bits
		}
	}

	switch {
	case !sawSeparator:
		return inv, &UsageError{Reason: "missing " + commandSeparator + " before the command"}
	case len(inv.Command) == 0:
		return inv, &UsageError{Reason: "missing command"}
	case inv.Mask == 0:
		return inv, &UsageError{Reason: "no events specified"}
	case len(inv.Paths) == 0:
		return inv, &UsageError{Reason: "no files specified"}
	}
	return inv, nil
}

// printUsage writes the banner shared by help and error paths.
func printUsage(w io.Writer, name string) {
	fmt.Fprintf(w, "Usage: %s FLAG(S)... FILE(s)... -- COMMAND\n", name)
}

// printHelp adds the flag reference to the banner.
func printHelp(w io.Writer, name string) {
	printUsage(w, name)
	fmt.Fprintf(w, `
Run COMMAND each time one of FILE(s) sees an event selected by FLAG(S).
Every "{}" in COMMAND is replaced by the path that triggered it; write "\{}"
for a literal "{}". FILE(s) may be glob patterns such as 'src/**/*.go'.

Events:
  %s

Options:
  -EXACT     only replace arguments that are exactly "{}"
  -VERBOSE   log every event and command
  -h, -help  show this help
  -version   print the version

Environment:
  ONEVENT_LOG_LEVEL   error, warn, info or debug (default info)
  ONEVENT_BACKEND     inotify or fsnotify
  ONEVENT_WAIT_DELAY  grace period before a command is killed on shutdown (default 5s)
`, "-"+strings.Join(mask.Names(), " -"))
}
