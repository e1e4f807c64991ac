// Package agent speaks the node agent's HTTP and websocket contract. The
// wire format is fixed by the agent; this package only wraps it behind
// interfaces so the rest of the control plane can be tested against fakes.
package agent

import (
	"context"
	"encoding/json"

	"github.com/stratushq/stratus/internal/domain"
)

// API is the node agent's HTTP surface. Implementations must bound every
// call with a timeout; transport failures come back wrapped in
// domain.ErrRemoteUnavailable.
type API interface {
	// Health returns the raw status string reported by the agent
	// ("online", "dockernotrunning", ...). Transport errors are returned
	// as errors; interpreting the string is the caller's job.
	Health(ctx context.Context, node *domain.Node) (string, error)
	Version(ctx context.Context, node *domain.Node) (json.RawMessage, error)
	Stats(ctx context.Context, node *domain.Node) (json.RawMessage, error)

	// CreateServer provisions a fresh workload and returns the ephemeral
	// container id plus the stable task identifier.
	CreateServer(ctx context.Context, node *domain.Node, req *CreateRequest) (*CreateResponse, error)
	// EditServer pushes an updated payload; the agent may recreate the
	// container and returns the new container id.
	EditServer(ctx context.Context, node *domain.Node, taskID string, req *EditRequest) (string, error)
	DeleteServer(ctx context.Context, node *domain.Node, taskID string) error
	// ReinstallServer rebuilds the container behind a task identifier and
	// returns the replacement container id.
	ReinstallServer(ctx context.Context, node *domain.Node, taskID string) (string, error)
	ServerState(ctx context.Context, node *domain.Node, taskID string) (string, error)
	// Power asks the agent to start or stop the workload. Used as an
	// advisory side effect of suspend/unsuspend.
	Power(ctx context.Context, node *domain.Node, taskID, action string) error

	NetworkAdd(ctx context.Context, node *domain.Node, taskID string, port int) error
	NetworkSetPrimary(ctx context.Context, node *domain.Node, taskID string, port int) error
	NetworkRemove(ctx context.Context, node *domain.Node, taskID string, port int) error
}

// StreamConn is the subset of a websocket connection the relay needs.
// *websocket.Conn satisfies it.
type StreamConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v any) error
	Close() error
}

// StreamDialer opens the node agent's streaming endpoint.
type StreamDialer interface {
	DialStream(ctx context.Context, node *domain.Node) (StreamConn, error)
}

// File is a resolved file template sent to the agent.
type File struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// CreateRequest is the payload for POST /server/create.
type CreateRequest struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	RAM          int64             `json:"ram"`
	Cores        int               `json:"cores"`
	Disk         int64             `json:"disk"`
	IP           string            `json:"ip"`
	Port         int               `json:"port"`
	Env          map[string]string `json:"env"`
	Files        []File            `json:"files,omitempty"`
	StartCommand string            `json:"startCommand,omitempty"`
	StopCommand  string            `json:"stopCommand,omitempty"`
}

// CreateResponse is the agent's answer to a create: the container backing
// the workload right now, and the task identifier that stays stable across
// container replacement.
type CreateResponse struct {
	ContainerID string `json:"containerId"`
	TaskID      string `json:"idt"`
}

// EditRequest is the payload for POST /server/edit.
type EditRequest struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	RAM          int64             `json:"ram"`
	Cores        int               `json:"cores"`
	Disk         int64             `json:"disk"`
	Env          map[string]string `json:"env"`
	Files        []File            `json:"files,omitempty"`
	StartCommand string            `json:"startCommand,omitempty"`
	StopCommand  string            `json:"stopCommand,omitempty"`
}

// Frame is one streaming envelope. The agent multiplexes console output,
// stats, and control events over the same socket, tagged by Event.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Streaming event names.
const (
	EventAuth  = "auth"
	EventLogs  = "logs"
	EventStats = "stats"
)

// AuthPayload authenticates a freshly opened stream.
type AuthPayload struct {
	Key string `json:"key"`
}

// SubscribePayload names the workload to stream. The field is called
// containerId on the wire but carries the stable task identifier; the agent
// resolves it to whatever container currently backs the task.
type SubscribePayload struct {
	ContainerID string `json:"containerId"`
}
