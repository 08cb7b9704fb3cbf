// Package cli implements the turbovpn command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return newApp(os.Stdout, os.Stderr).run(ctx, args)
}

// app carries the output streams shared by every subcommand.
type app struct {
	out    io.Writer
	errOut io.Writer
}

func newApp(out, errOut io.Writer) *app {
	return &app{out: out, errOut: errOut}
}

func (a *app) run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		a.printUsage()
		return 2
	}

	switch args[0] {
	case "activate":
		return a.runActivate(ctx, args[1:])
	case "deactivate":
		return a.runDeactivate(ctx, args[1:])
	case "status":
		return a.runStatus(ctx, args[1:])
	case "sweep":
		return a.runSweep(ctx, args[1:])
	case "reset":
		return a.runReset(ctx, args[1:])
	case "run":
		return a.runTunnel(ctx, "run", args[1:], true)
	case "proxy":
		return a.runTunnel(ctx, "proxy", args[1:], false)
	case "pac":
		return a.runPAC(args[1:])
	case "keygen":
		return a.runKeygen(args[1:])
	case "plans":
		return a.runPlans()
	case "panel":
		return a.runPanel(ctx, args[1:])
	case "version", "--version", "-v":
		a.printVersion()
		return 0
	case "-h", "--help", "help":
		a.printUsage()
		return 0
	default:
		fmt.Fprintf(a.errOut, "unknown command %q\n\n", args[0])
		a.printUsage()
		return 2
	}
}

func (a *app) fail(cmd string, err error) {
	fmt.Fprintf(a.errOut, "%s error: %v\n", cmd, err)
}
