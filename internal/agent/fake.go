package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/stratushq/stratus/internal/domain"
)

// Fake is an in-process agent implementation for tests and local
// development. It records every call and can be told to fail specific
// operations. Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	// HealthStatus is returned from Health. Defaults to "online".
	HealthStatus string
	// Fail maps an operation name ("create", "edit", "delete", "reinstall",
	// "power", "network", "health", "stream") to an error returned for it.
	Fail map[string]error

	// Calls lists operation names in invocation order.
	Calls []string

	nextTask      int
	nextContainer int
	streams       []*FakeStream
}

var (
	_ API          = (*Fake)(nil)
	_ StreamDialer = (*Fake)(nil)
)

// NewFake creates a Fake that reports every node online and succeeds on
// every call.
func NewFake() *Fake {
	return &Fake{HealthStatus: "online", Fail: map[string]error{}}
}

func (f *Fake) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, op)
	return f.Fail[op]
}

// CallCount returns how many times the operation was invoked.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *Fake) Health(ctx context.Context, node *domain.Node) (string, error) {
	if err := f.record("health"); err != nil {
		return "", err
	}
	return f.HealthStatus, nil
}

func (f *Fake) Version(ctx context.Context, node *domain.Node) (json.RawMessage, error) {
	if err := f.record("version"); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"version":"fake"}`), nil
}

func (f *Fake) Stats(ctx context.Context, node *domain.Node) (json.RawMessage, error) {
	if err := f.record("stats"); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"cpu":0}`), nil
}

func (f *Fake) CreateServer(ctx context.Context, node *domain.Node, req *CreateRequest) (*CreateResponse, error) {
	if err := f.record("create"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTask++
	f.nextContainer++
	return &CreateResponse{
		ContainerID: fmt.Sprintf("ct-%d", f.nextContainer),
		TaskID:      fmt.Sprintf("task-%d", f.nextTask),
	}, nil
}

func (f *Fake) EditServer(ctx context.Context, node *domain.Node, taskID string, req *EditRequest) (string, error) {
	if err := f.record("edit"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextContainer++
	return fmt.Sprintf("ct-%d", f.nextContainer), nil
}

func (f *Fake) DeleteServer(ctx context.Context, node *domain.Node, taskID string) error {
	return f.record("delete")
}

func (f *Fake) ReinstallServer(ctx context.Context, node *domain.Node, taskID string) (string, error) {
	if err := f.record("reinstall"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextContainer++
	return fmt.Sprintf("ct-%d", f.nextContainer), nil
}

func (f *Fake) ServerState(ctx context.Context, node *domain.Node, taskID string) (string, error) {
	if err := f.record("state"); err != nil {
		return "", err
	}
	return "running", nil
}

func (f *Fake) Power(ctx context.Context, node *domain.Node, taskID, action string) error {
	return f.record("power")
}

func (f *Fake) NetworkAdd(ctx context.Context, node *domain.Node, taskID string, port int) error {
	return f.record("network")
}

func (f *Fake) NetworkSetPrimary(ctx context.Context, node *domain.Node, taskID string, port int) error {
	return f.record("network")
}

func (f *Fake) NetworkRemove(ctx context.Context, node *domain.Node, taskID string, port int) error {
	return f.record("network")
}

// DialStream opens a channel-backed stream. Tests drive the node side of
// the conversation through the returned stream, reachable via LastStream.
func (f *Fake) DialStream(ctx context.Context, node *domain.Node) (StreamConn, error) {
	if err := f.record("stream"); err != nil {
		return nil, err
	}
	s := newFakeStream()
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

// LastStream returns the most recently dialed stream, or nil.
func (f *Fake) LastStream() *FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

// FakeStream stands in for a node agent stream. ReadMessage returns
// whatever the test queued with Push and blocks otherwise; writes from the
// code under test are recorded and readable via Frames.
type FakeStream struct {
	mu     sync.Mutex
	once   sync.Once
	closed chan struct{}
	in     chan []byte
	frames []Frame
}

func newFakeStream() *FakeStream {
	return &FakeStream{
		closed: make(chan struct{}),
		in:     make(chan []byte, 16),
	}
}

// Push queues a raw message for the next ReadMessage call.
func (s *FakeStream) Push(data []byte) {
	s.in <- data
}

// PushFrame queues an envelope with the given event and payload.
func (s *FakeStream) PushFrame(event string, payload json.RawMessage) {
	data, _ := json.Marshal(Frame{Event: event, Payload: payload})
	s.Push(data)
}

func (s *FakeStream) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.in:
		return websocket.TextMessage, data, nil
	case <-s.closed:
		return 0, nil, errors.New("stream closed")
	}
}

func (s *FakeStream) WriteMessage(messageType int, data []byte) error {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		frame = Frame{Event: EventLogs, Payload: data}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *FakeStream) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *FakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Frames returns a copy of every envelope written so far.
func (s *FakeStream) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}
