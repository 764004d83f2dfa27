package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rendis/actuator/internal/engine"
	"github.com/rendis/actuator/internal/logging"
	"github.com/rendis/actuator/pkg/schema"
)

// runInvoke runs one action and prints its output. A streaming output is
// copied to stdout as it arrives.
func runInvoke(args []string) {
	fs := flag.NewFlagSet("invoke", flag.ExitOnError)
	configPath := fs.String("config", settingsPath(), "settings file")
	timeout := fs.String("timeout", "", "bound on the whole invocation, e.g. 30s")
	maxAttempts := fs.Int("max-attempts", 0, "override the configured attempt bound")
	record := fs.Bool("record", false, "record the invocation in the history database")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: actuator invoke [flags] <action> [params-json]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(2)
	}

	params, err := parseParams(fs.Arg(1))
	if err != nil {
		fatal(err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, *record)
	if err != nil {
		fatal(err)
	}
	defer a.Close()

	var policy *engine.Policy
	if *maxAttempts > 0 {
		rp := cfg.Retry
		rp.MaxAttempts = *maxAttempts
		if policy, err = engine.PolicyFromSchema(rp, a.cel); err != nil {
			fatal(err)
		}
	}

	res, err := a.engine.Invoke(ctx, schema.InvocationRequest{
		Action:  fs.Arg(0),
		Params:  params,
		Timeout: *timeout,
		Source:  "cli",
	}, policy)
	if err != nil {
		printError(err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "invocation %s: %d attempt(s) in %s\n", res.InvocationID, res.Attempts, res.Duration)

	if st := res.Output.Stream; st != nil {
		defer st.Close()
		for {
			chunk, err := st.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				printError(err)
				os.Exit(1)
			}
			os.Stdout.Write(chunk)
		}
	}
	if len(res.Output.Data) > 0 {
		var pretty any
		if json.Unmarshal(res.Output.Data, &pretty) == nil {
			printJSON(pretty)
			return
		}
		fmt.Println(string(res.Output.Data))
	}
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", settingsPath(), "settings file")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, false)
	a, err := newApp(context.Background(), cfg, logger, false)
	if err != nil {
		fatal(err)
	}
	defer a.Close()

	infos := a.registry.List()
	if *asJSON {
		printJSON(infos)
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPARAMS\tDESCRIPTION")
	for _, info := range infos {
		names := make([]string, 0, len(info.Params))
		for _, p := range info.Params {
			n := p.Name
			if !p.Required {
				n += "?"
			}
			names = append(names, n)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Name, strings.Join(names, ","), info.Description)
	}
	tw.Flush()
}

// parseParams decodes the optional JSON object argument.
func parseParams(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return params, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printError(err error) {
	var aerr *schema.ActuatorError
	if errors.As(err, &aerr) {
		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"error": aerr})
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}
