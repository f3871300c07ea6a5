package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hanpama/loadcore/internal/kvsource"
	"github.com/hanpama/loadcore/internal/loader"
	"github.com/hanpama/loadcore/internal/policy"
	"github.com/hanpama/loadcore/internal/telemetry"
)

const rootUsage = `loadcoredemo — request-coalescing data loader demo

USAGE:
  loadcoredemo <command> [flags]

COMMANDS:
  run     Load a small batch of users through the loader and print results
  help    Show help for any command
`

const runUsage = `run FLAGS:
  -otel.endpoint <addr>   OTLP collector endpoint
  -otel.service <name>    OpenTelemetry service name (default: loadcoredemo)
  -timeout <duration>      Loader run deadline (default: derived from sources)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("loadcoredemo", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer))
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	switch cmd := remaining[0]; cmd {
	case "run":
		return cmdRun(remaining[1:])
	case "help":
		fmt.Print(rootUsage)
		return nil
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdRun(args []string) error {
	otelEndpoint := ""
	otelService := "loadcoredemo"
	var timeout time.Duration

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	fs.DurationVar(&timeout, "timeout", timeout, "Loader run deadline")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, runUsage)
		return err
	}

	if otelEndpoint != "" {
		shutdown, err := telemetry.Setup(otelEndpoint, otelService)
		if err != nil {
			return fmt.Errorf("otel setup: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	users := map[int]string{1: "ada", 2: "grace", 3: "barbara"}
	userByID := kvsource.New(func(_ context.Context, _ any, itemKeys []any) (map[any]any, error) {
		out := make(map[any]any, len(itemKeys))
		for _, k := range itemKeys {
			id, _ := k.(int)
			if name, ok := users[id]; ok {
				out[k] = name
			} else {
				out[k] = fmt.Errorf("no user with id %d", id)
			}
		}
		return out, nil
	})

	var opts []loader.Option
	if timeout > 0 {
		opts = append(opts, loader.WithTimeout(timeout))
	}
	opts = append(opts, loader.WithGetPolicy(policy.RaiseOnError))
	l := loader.New(opts...).AddSource("users", userByID)

	var err error
	for _, id := range []int{1, 2, 3, 1} {
		l, err = l.Load("users", "by_id", id)
		if err != nil {
			return err
		}
	}

	ctx := context.Background()
	l, err = l.Run(ctx)
	if err != nil {
		return err
	}

	for _, id := range []int{1, 2, 3} {
		v, err := l.Get("users", "by_id", id)
		if err != nil {
			fmt.Printf("user %d: error: %v\n", id, err)
			continue
		}
		fmt.Printf("user %d: %v\n", id, v)
	}
	return nil
}
