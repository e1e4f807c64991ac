package domain

import "time"

// NodeRef is the snapshot of a node embedded in a server record. The
// snapshot can go stale if the node is edited afterwards, which is why
// cascading cleanup matches by id, address, and name.
type NodeRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// ImageRef is the snapshot of the image a server was created from.
type ImageRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DockerImage string `json:"docker_image"`
}

// Server is the canonical record of a user-facing workload instance. A
// denormalized copy is embedded in the owning user's record and kept in
// step by the lifecycle manager.
//
// ContainerID identifies whatever container currently backs the workload
// and changes across reinstalls; TaskID is the stable identifier the node
// resolves on its side.
type Server struct {
	ID           string            `json:"id" db:"id"`
	OwnerID      string            `json:"owner_id" db:"owner_id"`
	Name         string            `json:"name" db:"name"`
	Node         NodeRef           `json:"node"`
	AllocationID string            `json:"allocation_id" db:"allocation_id"`
	ImageID      string            `json:"image_id" db:"image_id"`
	Image        ImageRef          `json:"image"`
	RAM          int64             `json:"ram" db:"ram"`
	Cores        int               `json:"cores" db:"cores"`
	Disk         int64             `json:"disk" db:"disk"`
	ContainerID  string            `json:"container_id" db:"container_id"`
	TaskID       string            `json:"task_id" db:"task_id"`
	Env          map[string]string `json:"env"`
	Ports        []int             `json:"ports"`
	PrimaryPort  int               `json:"primary_port" db:"primary_port"`
	Suspended    bool              `json:"suspended" db:"suspended"`
	SubuserIDs   []string          `json:"subuser_ids"`
	Audit        []AuditEntry      `json:"audit"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
}

// Clone returns a deep copy of the server.
func (s *Server) Clone() *Server {
	out := *s
	out.Env = make(map[string]string, len(s.Env))
	for k, v := range s.Env {
		out.Env[k] = v
	}
	out.Ports = append([]int(nil), s.Ports...)
	out.SubuserIDs = append([]string(nil), s.SubuserIDs...)
	out.Audit = append([]AuditEntry(nil), s.Audit...)
	return &out
}

// HasPort reports whether the server holds the given port.
func (s *Server) HasPort(port int) bool {
	for _, p := range s.Ports {
		if p == port {
			return true
		}
	}
	return false
}

// AuditEntry is one line of a server's append-only action journal.
type AuditEntry struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateServerRequest is the request body for creating a server.
type CreateServerRequest struct {
	Name         string            `json:"name"`
	OwnerID      string            `json:"owner_id"`
	NodeID       string            `json:"node_id"`
	AllocationID string            `json:"allocation_id"`
	ImageID      string            `json:"image_id"`
	RAM          int64             `json:"ram"`
	Cores        int               `json:"cores"`
	Disk         int64             `json:"disk"`
	Env          map[string]string `json:"env,omitempty"`
}

// EditServerRequest patches a server. Env entries merge onto the server's
// existing environment. Port changes are ignored here: network endpoints
// move only through the allocation claim/release operations.
type EditServerRequest struct {
	Name  *string           `json:"name,omitempty"`
	RAM   *int64            `json:"ram,omitempty"`
	Cores *int              `json:"cores,omitempty"`
	Disk  *int64            `json:"disk,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
}
