// gqlsocket runs GraphQL queries, mutations and subscriptions against an
// Absinthe endpoint over a Phoenix channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var (
	version string
	commit  string
	date    string
)

func init() {
	if version == "" {
		version = "dev"
	}
	if commit == "" {
		commit = "unknown"
	}
	if date == "" {
		date = buildTimestamp()
	}
}

func buildTimestamp() string {
	exePath, err := os.Executable()
	if err == nil {
		if info, statErr := os.Stat(exePath); statErr == nil {
			return info.ModTime().UTC().Format(time.RFC3339)
		}
	}

	return time.Now().UTC().Format(time.RFC3339)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "query", "mutate", "subscribe":
		err = cmdOperation(ctx, os.Args[1], os.Args[2:], os.Stdout)
	case "status":
		err = cmdStatus(os.Args[2:], os.Stdout)
	case "version":
		fmt.Printf("gqlsocket %s (commit: %s, built: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: gqlsocket <command> [flags] [document]

Commands:
  query      Run a query and print its result
  mutate     Run a mutation and print its result
  subscribe  Print subscription values until interrupted (or --count values)
  status     Print the resolved configuration (--write saves it)
  version    Print version information
  help       Show this help

Flags:
  --config, -c <path>     YAML config file (env GQLSOCKET_* overrides it)
  --url, -u <url>         Phoenix socket endpoint, e.g. wss://api.example.com/socket
  --file, -f <path>       Read the document from a file
  --var <key=value>       Set a variable; JSON values are decoded (repeatable)
  --status-addr <addr>    Serve /healthz, /status and /metrics on addr
  --timeout <duration>    Give up on a query or mutation after this long (default 30s)
  --count <n>             Stop a subscription after n values
  --write, -w <path>      status: also save the resolved config to path (0600)`)
}
