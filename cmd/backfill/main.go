// Command backfill downloads a numbered item space into a SQL store.
package main

import (
	"fmt"
	"os"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitChunksFailed = 1
	ExitInvalidArgs  = 2
	ExitFatalStartup = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "run":
		return runDispatcher(cmdArgs)
	case "worker":
		return runWorker(cmdArgs)
	case "progress":
		return runProgress(cmdArgs)
	case "retry-failed":
		return runRetryFailed(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: backfill <command> [options]

Commands:
  run           Seed the chunk queue, run workers and report progress
  worker        Run a single worker against an already seeded queue
  progress      Print the current completion percentage
  retry-failed  Put terminally failed chunks back in the queue

Run 'backfill <command> -h' for command-specific help.`)
}
