package stt

import (
	"context"
	"fmt"
	"time"
)

type mockEngine struct{}

func NewMockEngine() Engine {
	return &mockEngine{}
}

func (m *mockEngine) Transcribe(ctx context.Context, samples []float32) ([]Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	dur := time.Duration(len(samples)) * time.Second / SampleRate
	return []Segment{{
		Text: fmt.Sprintf("[mock transcript samples=%d]", len(samples)),
		End:  dur,
	}}, nil
}

func (m *mockEngine) Close() error { return nil }
