package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/loqalabs/loqa-capture/internal/stt"
)

var version = "0.1.0-dev"

const usage = "usage: loqa-capturectl <start|stop|status|model|version> [-config file] [-timeout duration]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	if cmd == "version" {
		fmt.Println(version)
		return
	}

	flags := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := flags.String("config", "loqa-capture.yaml", "Path to configuration file")
	timeout := flags.Duration("timeout", 10*time.Second, "Request timeout (stop waits for the final transcript)")
	flags.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch cmd {
	case "model":
		err = runModel(cfg)
	case "start", "stop", "status":
		err = runRequest(ctx, cfg, cmd)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runModel checks the model file locally, without contacting the daemon.
func runModel(cfg config.Config) error {
	st := stt.NewLifecycle(cfg.Engine, slog.New(slog.NewTextHandler(io.Discard, nil))).Status()
	if err := printJSON(st); err != nil {
		return err
	}
	if !st.Ready {
		return fmt.Errorf("model not ready: need %s larger than %d bytes", st.ModelPath, cfg.Engine.MinModelBytes)
	}
	return nil
}

func runRequest(ctx context.Context, cfg config.Config, cmd string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	switch cmd {
	case "start":
		var reply protocol.CaptureStartReply
		if err := client.Request(ctx, protocol.SubjectCaptureStart, struct{}{}, &reply); err != nil {
			return err
		}
		if reply.Error != "" {
			return fmt.Errorf("start rejected (%s): %s", reply.Code, reply.Error)
		}
		return printJSON(reply)
	case "stop":
		var reply protocol.CaptureStopReply
		if err := client.Request(ctx, protocol.SubjectCaptureStop, struct{}{}, &reply); err != nil {
			return err
		}
		if reply.Error != "" {
			return fmt.Errorf("stop failed (%s): %s", reply.Code, reply.Error)
		}
		if reply.NoSpeech {
			fmt.Fprintln(os.Stderr, "no speech detected")
		}
		return printJSON(reply)
	default:
		var reply protocol.CaptureStatus
		if err := client.Request(ctx, protocol.SubjectCaptureStatus, struct{}{}, &reply); err != nil {
			return err
		}
		return printJSON(reply)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
