package nats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/smazurov/procwatch/internal/events"
	"github.com/smazurov/procwatch/internal/logging"
)

// Forwarder republishes bus events on NATS. Log entries go to the process's
// logs subject and lifecycle events to its lifecycle subject. Batches are
// skipped since their entries are forwarded one by one.
//
// While NATS is unreachable publishing is a no-op and the client keeps
// reconnecting in the background.
type Forwarder struct {
	url       string
	conn      *nats.Conn
	unsub     func()
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool
}

// NewForwarder creates a forwarder for the server at url.
func NewForwarder(url string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = logging.GetLogger("nats")
	}
	return &Forwarder{
		url:    url,
		logger: logger.With("component", "nats-forwarder"),
	}
}

// Connect dials the server. On failure the error is returned and the
// forwarder stays usable in offline mode.
func (f *Forwarder) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	conn, err := nats.Connect(f.url,
		nats.Name("procwatch-forwarder"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			f.setConnected(false)
			if err != nil {
				f.logger.Warn("NATS disconnected", "error", err)
			} else {
				f.logger.Debug("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			f.setConnected(true)
			f.logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		f.logger.Warn("Failed to connect to NATS, forwarding disabled", "url", f.url, "error", err)
		return err
	}

	f.conn = conn
	f.connected = true
	f.logger.Info("Connected to NATS", "url", f.url)
	return nil
}

func (f *Forwarder) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// Attach starts forwarding every event published on bus.
func (f *Forwarder) Attach(bus *events.Bus) {
	unsub := bus.SubscribeAll(f.Forward)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsub != nil {
		f.unsub()
	}
	f.unsub = unsub
}

// Forward publishes one event.
func (f *Forwarder) Forward(e events.ProcessEvent) {
	if m, ok := logMessage(e); ok {
		f.publish(SubjectProcessLogs(m.ProcessID), m)
		return
	}
	if m, ok := lifecycleMessage(e); ok {
		f.publish(SubjectProcessLifecycle(m.ProcessID), m)
	}
}

type marshaler interface {
	Marshal() ([]byte, error)
}

func (f *Forwarder) publish(subject string, m marshaler) {
	f.mu.RLock()
	conn := f.conn
	connected := f.connected
	f.mu.RUnlock()

	if conn == nil || !connected {
		return
	}

	data, err := m.Marshal()
	if err != nil {
		f.logger.Warn("Failed to marshal message", "subject", subject, "error", err)
		return
	}
	if err := conn.Publish(subject, data); err != nil {
		f.logger.Warn("Failed to publish", "subject", subject, "error", err)
	}
}

// Flush waits until the server has processed everything published so far.
func (f *Forwarder) Flush() error {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return conn.Flush()
}

// IsConnected returns true if connected to NATS.
func (f *Forwarder) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected && f.conn != nil
}

// Close detaches from the bus and closes the connection.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unsub != nil {
		f.unsub()
		f.unsub = nil
	}
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connected = false
	f.logger.Debug("NATS forwarder closed")
}
