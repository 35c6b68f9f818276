// Package presence advertises a capture node on the bus.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/loqalabs/loqa-capture/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// StatusFunc reports the node's current capture status for heartbeats.
type StatusFunc func() protocol.CaptureStatus

type Announcer struct {
	nodeID       string
	role         string
	interval     time.Duration
	capabilities []protocol.Capability
	status       StatusFunc
	bus          *bus.Client
	log          *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	beats metric.Int64Counter
}

var subjectUnsafe = strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-")

// NodeID resolves the configured node ID, falling back to the hostname. The
// result is safe to use as a single subject token.
func NodeID(cfg config.NodeConfig) string {
	id := cfg.ID
	if id == "" {
		if host, err := os.Hostname(); err == nil {
			id = host
		}
	}
	if id == "" {
		id = "loqa-capture"
	}
	return subjectUnsafe.Replace(id)
}

// Capabilities describes what a node with this configuration offers.
func Capabilities(cfg config.Config) []protocol.Capability {
	return []protocol.Capability{
		{
			Name: "audio.capture",
			Attributes: map[string]string{
				"device":        deviceName(cfg.Capture.Device),
				"chunk_seconds": fmt.Sprintf("%g", cfg.Capture.ChunkSeconds),
			},
		},
		{
			Name: "stt." + cfg.Engine.Mode,
			Attributes: map[string]string{
				"language":    cfg.Engine.Language,
				"sample_rate": fmt.Sprintf("%d", stt.SampleRate),
			},
		},
	}
}

func deviceName(d string) string {
	if d == "" {
		return "default"
	}
	return d
}

func NewAnnouncer(cfg config.Config, busClient *bus.Client, status StatusFunc, logger *slog.Logger) *Announcer {
	a := &Announcer{
		nodeID:       NodeID(cfg.Node),
		role:         cfg.Node.Role,
		interval:     time.Duration(cfg.Node.HeartbeatInterval) * time.Millisecond,
		capabilities: Capabilities(cfg),
		status:       status,
		bus:          busClient,
		log:          logger.With(slog.String("component", "presence")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-capture/presence")
	var err error
	if a.beats, err = meter.Int64Counter("loqa.presence.heartbeats",
		metric.WithDescription("Heartbeats published")); err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return a
}

func (a *Announcer) NodeID() string { return a.nodeID }

// Start announces the node once and then heartbeats until Close.
func (a *Announcer) Start(ctx context.Context) error {
	if err := a.announce(); err != nil {
		return fmt.Errorf("announce node: %w", err)
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.run(ctx)
	a.log.Info("node announced", slog.String("node_id", a.nodeID), slog.Duration("interval", a.interval))
	return nil
}

func (a *Announcer) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Announcer) run(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.heartbeat(ctx); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Announcer) announce() error {
	return a.publish(protocol.SubjectNodeAnnounce, protocol.NodeAnnounce{
		NodeID:       a.nodeID,
		Role:         a.role,
		Capabilities: a.capabilities,
		Timestamp:    time.Now().UTC(),
	})
}

func (a *Announcer) heartbeat(ctx context.Context) error {
	msg := protocol.NodeHeartbeat{NodeID: a.nodeID, Timestamp: time.Now().UTC()}
	if a.status != nil {
		msg.Status = a.status()
	}
	if err := a.publish(HeartbeatSubject(a.nodeID), msg); err != nil {
		return err
	}
	if a.beats != nil {
		a.beats.Add(ctx, 1)
	}
	return nil
}

// HeartbeatSubject is the subject a node heartbeats on.
func HeartbeatSubject(nodeID string) string {
	return protocol.SubjectNodeHeartbeatPrefix + "." + nodeID
}

func (a *Announcer) publish(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.bus.Conn().Publish(subject, payload)
}
