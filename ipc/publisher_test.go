package ipc

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T, path string) (net.Listener, <-chan Message) {
	t.Helper()
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	out := make(chan Message, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					var m Message
					if json.Unmarshal(sc.Bytes(), &m) == nil {
						out <- m
					}
				}
			}()
		}
	}()
	return ln, out
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func TestPublish(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.sock")
	ln, ch := listen(t, path)
	defer ln.Close()

	p := NewPublisher(path, nil)
	defer p.Close()

	require.NoError(t, p.Publish("status", map[string]int{"cursor": 7}))
	m := receive(t, ch)
	assert.Equal(t, "status", m.Type)
	assert.JSONEq(t, `{"cursor":7}`, string(m.Payload))
}

func TestPublishWithoutListener(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.sock")
	p := NewPublisher(path, nil)
	p.retry = time.Millisecond
	assert.Error(t, p.Publish("status", 1))

	ln, ch := listen(t, path)
	defer ln.Close()
	require.NoError(t, p.Publish("status", 2))
	assert.JSONEq(t, `2`, string(receive(t, ch).Payload))
	require.NoError(t, p.Close())
}

func TestCloseDuringRetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.sock")
	p := NewPublisher(path, nil)
	p.retry = 300 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- p.Publish("status", 1) }()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Close())
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Close waited for the retry sleep")
	assert.Error(t, <-done)
}

func TestPublishRedialsAfterDeadlineError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.sock")
	ln, ch := listen(t, path)
	defer ln.Close()

	p := NewPublisher(path, nil)
	defer p.Close()
	p.retry = time.Millisecond

	// A closed conn fails SetWriteDeadline; Publish must drop it and redial.
	p.mu.Lock()
	require.NotNil(t, p.conn)
	p.conn.Close()
	p.mu.Unlock()

	require.NoError(t, p.Publish("status", 3))
	assert.JSONEq(t, `3`, string(receive(t, ch).Payload))
}

func TestPublishEncodeError(t *testing.T) {
	p := NewPublisher(filepath.Join(t.TempDir(), "x.sock"), nil)
	assert.Error(t, p.Publish("status", make(chan int)))
}
