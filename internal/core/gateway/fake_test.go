package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beaconbot/beacon/internal/core"
)

const testTimeout = 2 * time.Second

// fakeConn is a scripted gateway connection. The test plays the server side.
type fakeConn struct {
	url string
	in  chan *Frame
	out chan *Frame

	once sync.Once
	done chan struct{}

	mu        sync.Mutex
	readErr   error
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan *Frame),
		out:  make(chan *Frame, 128),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() (*Frame, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, fmt.Errorf("%w: connection closed", core.ErrConnection)
	}
}

func (c *fakeConn) WriteFrame(frame *Frame) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", core.ErrConnection)
	default:
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: connection closed", core.ErrConnection)
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

// drop simulates the server side ending the connection with err.
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *fakeConn) send(t *testing.T, frame *Frame) {
	t.Helper()
	select {
	case c.in <- frame:
	case <-time.After(testTimeout):
		t.Fatalf("shard did not read frame op=%d t=%s", frame.Op, frame.Type)
	}
}

func (c *fakeConn) hello(t *testing.T, interval time.Duration) {
	t.Helper()
	c.send(t, mustFrame(t, OpHello, Hello{HeartbeatInterval: interval.Milliseconds()}))
}

func (c *fakeConn) dispatch(t *testing.T, seq int64, eventType string, payload any) {
	t.Helper()
	frame := mustFrame(t, OpDispatch, payload)
	frame.Seq = &seq
	frame.Type = eventType
	c.send(t, frame)
}

// expect waits for the next frame written by the shard with the given op,
// skipping heartbeats.
func (c *fakeConn) expect(t *testing.T, op Opcode) *Frame {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case frame := <-c.out:
			if frame.Op == op {
				return frame
			}
			if frame.Op == OpHeartbeat {
				continue
			}
			t.Fatalf("expected op %d, got %d", op, frame.Op)
		case <-deadline:
			t.Fatalf("timed out waiting for op %d", op)
		}
	}
}

// fakeDialer hands out scripted connections in order.
type fakeDialer struct {
	conns chan *fakeConn
	err   error

	mu   sync.Mutex
	urls []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case conn := <-d.conns:
		conn.url = url
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) next() *fakeConn {
	conn := newFakeConn()
	d.conns <- conn
	return conn
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// recordingSink collects forwarded events.
type recordingSink struct {
	mu     sync.Mutex
	events []core.Event
}

func (s *recordingSink) HandleEvent(_ context.Context, event core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) sequences() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Sequence)
	}
	return out
}

// memorySessions is an in-memory SessionStore.
type memorySessions struct {
	mu       sync.Mutex
	sessions map[int]core.Session
}

func (m *memorySessions) LoadSessions(context.Context) ([]core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (m *memorySessions) SaveSession(_ context.Context, session core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[int]core.Session)
	}
	m.sessions[session.ShardID] = session
	return nil
}

func (m *memorySessions) DeleteSession(_ context.Context, shardID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, shardID)
	return nil
}

func mustFrame(t *testing.T, op Opcode, payload any) *Frame {
	t.Helper()
	frame, err := newFrame(op, payload)
	require.NoError(t, err)
	return frame
}

func guildPayload(id core.ID, channels ...map[string]any) map[string]any {
	return map[string]any{
		"id":       id.String(),
		"name":     fmt.Sprintf("guild-%d", id),
		"channels": channels,
	}
}

func channelPayload(id, guildID core.ID, name string) map[string]any {
	return map[string]any{
		"id":       id.String(),
		"guild_id": guildID.String(),
		"name":     name,
		"type":     0,
	}
}

func decodeResume(t *testing.T, frame *Frame) Resume {
	t.Helper()
	var resume Resume
	require.NoError(t, json.Unmarshal(frame.Data, &resume))
	return resume
}
