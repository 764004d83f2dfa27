package main

import (
	"fmt"
	"os"
)

const usage = `usage: actuator <command> [flags]

Commands:
  serve     run the HTTP API and scheduler
  mcp       serve MCP tools over stdio
  invoke    run one action: actuator invoke <action> [params-json]
  list      list registered actions
  version   print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "serve":
		runServe(args)
	case "mcp":
		runMCP(args)
	case "invoke":
		runInvoke(args)
	case "list":
		runList(args)
	case "version", "--version", "-v":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
