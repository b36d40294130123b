// Package main is the entrypoint for the actbus service and client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/morezero/actbus/internal/config"
	"github.com/morezero/actbus/internal/server"
	"github.com/morezero/actbus/pkg/engine"
	"github.com/morezero/actbus/pkg/transport"
	"github.com/morezero/actbus/pkg/transport/natsbus"
)

const usage = `Usage: actbus [command]
       actbus serve              Start the service (NATS, plugins, HTTP health and metrics).
       actbus act <pattern>      Send one request and print the JSON result.

Commands:
  serve           (default) Start the service.
  act <pattern>   Send a request in compact form, e.g. 'topic:math,cmd:add,a:1,b:2'.
                  Control fields are accepted: 'timeout$:500', 'pubsub$:true'.
  help            Show this help.

Environment: NATS_URL (default nats://127.0.0.1:4222), SERVICE_NAME, DEFAULT_TIMEOUT, CODEC,
HTTP_ADDR / HTTP_PORT (default 8080), EVENTS_SUBJECT, METRICS_ENABLED, TRACING_ENABLED, LOG_LEVEL.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "act":
		if len(args) < 2 {
			log.Fatalf("actbus act: require a pattern, e.g. 'topic:math,cmd:add,a:1,b:2'")
		}
		if err := runAct(args[1]); err != nil {
			log.Fatalf("actbus act: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("actbus: %v", err)
	}
}

func runAct(compact string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	server.SetupLogging("warn")

	bus, err := natsbus.Connect(cfg.NATSURL, cfg.ServiceName+"-cli")
	if err != nil {
		return err
	}

	ec, err := cfg.EngineConfig()
	if err != nil {
		_ = bus.Close()
		return err
	}
	ec.CrashOnFatal = false
	ec.Load.SampleInterval = 0
	return act(context.Background(), bus, ec, compact, os.Stdout)
}

// act sends one request over t and writes the indented JSON result to out.
func act(ctx context.Context, t transport.Transport, cfg engine.Config, compact string, out io.Writer) error {
	e := engine.New(t, cfg)
	defer e.Close()

	if err := e.Ready(ctx); err != nil {
		return err
	}
	result, err := e.ActString(ctx, compact)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
