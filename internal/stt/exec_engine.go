package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/mattn/go-shellwords"
)

// execEngine shells out to an external recognizer that reads a WAV file and
// prints JSON on stdout.
type execEngine struct {
	cmd []string
	cfg config.EngineConfig
}

type execSegment struct {
	Text    string  `json:"text"`
	StartMS float64 `json:"start_ms"`
	EndMS   float64 `json:"end_ms"`
}

type execResult struct {
	Text     string        `json:"text"`
	Segments []execSegment `json:"segments"`
}

func NewExecEngine(cfg config.EngineConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &execEngine{cmd: args, cfg: cfg}, nil
}

func (e *execEngine) Transcribe(ctx context.Context, samples []float32) ([]Segment, error) {
	file, err := os.CreateTemp("", "loqa_capture_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, samples, SampleRate); err != nil {
		return nil, err
	}

	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if e.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", e.cfg.ModelPath)
	}
	if e.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", e.cfg.Language)
	}
	if e.cfg.NoTimestamps {
		cmdArgs = append(cmdArgs, "--no-timestamps")
	}

	command := exec.CommandContext(ctx, e.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("engine command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	if len(resp.Segments) == 0 {
		if resp.Text == "" {
			return nil, nil
		}
		return []Segment{{Text: resp.Text}}, nil
	}
	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, Segment{
			Text:  s.Text,
			Start: msToDuration(s.StartMS),
			End:   msToDuration(s.EndMS),
		})
	}
	if e.cfg.NoTimestamps {
		segments = withoutTimestamps(segments)
	}
	return segments, nil
}

func (e *execEngine) Close() error { return nil }

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
