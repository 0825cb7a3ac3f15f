package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/smazurov/procwatch/internal/logging"
	"github.com/smazurov/procwatch/internal/logstream"
	"github.com/smazurov/procwatch/internal/monitor"
)

// Controller is the part of the monitor that control requests drive.
type Controller interface {
	Stop(ctx context.Context, handle string) (monitor.StopResult, error)
	SetLevelFilter(handle string, levels []logstream.Level) error
}

// ControlBridge answers stop and filter requests sent to
// procwatch.control.<process_id>.<action>.
type ControlBridge struct {
	url         string
	ctrl        Controller
	stopTimeout time.Duration
	conn        *nats.Conn
	sub         *nats.Subscription
	logger      *slog.Logger
	mu          sync.Mutex
}

// NewControlBridge creates a bridge. stopTimeout bounds each stop request;
// zero means 30s.
func NewControlBridge(url string, ctrl Controller, stopTimeout time.Duration, logger *slog.Logger) *ControlBridge {
	if logger == nil {
		logger = logging.GetLogger("nats")
	}
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}
	return &ControlBridge{
		url:         url,
		ctrl:        ctrl,
		stopTimeout: stopTimeout,
		logger:      logger.With("component", "nats-control"),
	}
}

// Start connects and subscribes to every control subject.
func (b *ControlBridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := nats.Connect(b.url,
		nats.Name("procwatch-control"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS control disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.logger.Info("NATS control reconnected")
		}),
	)
	if err != nil {
		return err
	}

	// Stops can block for the grace period; handle each request on its own.
	sub, err := conn.Subscribe(SubjectControlPrefix+".*.*", func(msg *nats.Msg) { go b.handle(msg) })
	if err != nil {
		conn.Close()
		return err
	}

	b.conn = conn
	b.sub = sub
	b.logger.Info("NATS control bridge listening", "subject", SubjectControlPrefix+".>")
	return nil
}

func (b *ControlBridge) handle(msg *nats.Msg) {
	reply := b.apply(msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := reply.Marshal()
	if err != nil {
		b.logger.Warn("Failed to marshal control reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Warn("Failed to send control reply", "subject", msg.Subject, "error", err)
	}
}

func (b *ControlBridge) apply(data []byte) ControlReply {
	m, err := UnmarshalControl(data)
	if err != nil {
		return ControlReply{Error: fmt.Sprintf("invalid control message: %v", err)}
	}
	b.logger.Info("Received control command", "action", m.Action, "process_id", m.ProcessID, "reason", m.Reason)

	switch m.Action {
	case ActionStop:
		ctx, cancel := context.WithTimeout(context.Background(), b.stopTimeout)
		defer cancel()
		res, err := b.ctrl.Stop(ctx, m.ProcessID)
		if err != nil {
			return ControlReply{Error: err.Error()}
		}
		return ControlReply{OK: true, Forced: res.Forced}

	case ActionFilter:
		levels, err := logstream.ParseLevels(m.Levels)
		if err != nil {
			return ControlReply{Error: err.Error()}
		}
		if err := b.ctrl.SetLevelFilter(m.ProcessID, levels); err != nil {
			return ControlReply{Error: err.Error()}
		}
		return ControlReply{OK: true}

	default:
		return ControlReply{Error: fmt.Sprintf("unknown action %q", m.Action)}
	}
}

// Stop unsubscribes and closes the connection.
func (b *ControlBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.logger.Info("NATS control bridge stopped")
}

// IsConnected returns true if the bridge is connected to NATS.
func (b *ControlBridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.conn.IsConnected()
}

// SendControl sends m to the bridge over conn and waits for the reply.
func SendControl(ctx context.Context, conn *nats.Conn, m ControlMessage) (ControlReply, error) {
	data, err := m.Marshal()
	if err != nil {
		return ControlReply{}, err
	}
	msg, err := conn.RequestWithContext(ctx, SubjectControl(m.ProcessID, m.Action), data)
	if err != nil {
		return ControlReply{}, err
	}
	return UnmarshalControlReply(msg.Data)
}
