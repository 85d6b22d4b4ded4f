package monitor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// subject monitor events are published under, one per event type so
// external subscribers can filter with wildcards ("ctxengine.events.>").
const subjectPrefix = "ctxengine.events."

// BridgeConfig configures the embedded NATS transport.
type BridgeConfig struct {
	Port    int  // 0 picks an ephemeral port
	NoLog   bool
}

// Bridge mirrors Bus events onto an embedded, in-process NATS server so
// external processes (a dashboard, a second ctxengine instance) can
// observe them. Grounded on the teacher's internal/nats.EmbeddedServer.
type Bridge struct {
	mu      sync.Mutex
	ns      *server.Server
	conn    *nats.Conn
	running bool
}

// NewBridge starts an embedded NATS server and a publisher connection to
// it. Never returns an error that should be fatal to the caller: the
// bridge is an optional cross-process convenience, not load-bearing for
// in-process monitoring (which Bus already provides standalone).
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		NoLog:      cfg.NoLog,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded nats server not ready for connections")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats server: %w", err)
	}

	return &Bridge{ns: ns, conn: conn, running: true}, nil
}

// Attach subscribes the bridge to bus and republishes every event it
// sees onto the embedded NATS server until stop is closed.
func (b *Bridge) Attach(bus *Bus, stop <-chan struct{}) {
	ch := bus.Subscribe("", nil)
	go func() {
		for {
			select {
			case <-stop:
				bus.Unsubscribe("", ch)
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				b.publish(event)
			}
		}
	}()
}

func (b *Bridge) publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Publish(subjectPrefix+string(event.Type), data)
}

// ClientURL returns the connection URL external subscribers can use.
func (b *Bridge) ClientURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ns == nil {
		return ""
	}
	return b.ns.ClientURL()
}

// Shutdown closes the publisher connection and stops the embedded server.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	if b.conn != nil {
		b.conn.Close()
	}
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
	}
	b.running = false
}
