// Package ipc publishes module status to a supervisor over a Unix socket.
package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message is the envelope sent over the socket, one JSON object per line.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	publishAttempts = 3
	writeTimeout    = time.Second
)

// Publisher dials a Unix socket and streams messages to it. Delivery is
// best-effort: the listener may come and go, and the connection is redialled
// on the next Publish.
type Publisher struct {
	path   string
	logger *zap.Logger
	retry  time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewPublisher returns a publisher for the socket at path. The first dial is
// attempted immediately; failure is not an error since the listener may not
// be up yet.
func NewPublisher(path string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{path: path, logger: logger, retry: 100 * time.Millisecond}
	p.mu.Lock()
	p.dialLocked()
	p.mu.Unlock()
	return p
}

func (p *Publisher) Path() string { return p.path }

func (p *Publisher) dialLocked() bool {
	conn, err := net.Dial("unix", p.path)
	if err != nil {
		return false
	}
	p.conn = conn
	p.logger.Info("ipc connected", zap.String("socket", p.path))
	return true
}

// Publish sends a typed message.
func (p *Publisher) Publish(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipc: encode %s: %w", msgType, err)
	}
	msg, err := json.Marshal(Message{Type: msgType, Payload: raw})
	if err != nil {
		return fmt.Errorf("ipc: encode envelope: %w", err)
	}
	msg = append(msg, '\n')

	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(p.retry)
		}
		if err = p.send(msg); err == nil {
			return nil
		}
	}
	return err
}

func (p *Publisher) send(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil && !p.dialLocked() {
		return fmt.Errorf("ipc: dial %s failed", p.path)
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		p.dropLocked(err)
		return fmt.Errorf("ipc: set write deadline: %w", err)
	}
	if _, err := p.conn.Write(msg); err != nil {
		p.dropLocked(err)
		return fmt.Errorf("ipc: write %s: %w", p.path, err)
	}
	return nil
}

func (p *Publisher) dropLocked(err error) {
	p.logger.Debug("ipc write failed", zap.String("socket", p.path), zap.Error(err))
	p.conn.Close()
	p.conn = nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
