package domain

import "time"

// NodeStatus is the last probed health state of a node.
type NodeStatus string

const (
	// StatusOnline means the node agent answered its health probe.
	StatusOnline NodeStatus = "online"
	// StatusOffline means the node could not be reached or answered garbage.
	StatusOffline NodeStatus = "offline"
	// StatusDockerNotRunning means the agent is up but its container
	// runtime is not.
	StatusDockerNotRunning NodeStatus = "dockerNotRunning"
)

// Node is a remote execution agent that runs containerized workloads.
// The shared Secret is issued at registration and authenticates every
// call to the agent.
type Node struct {
	ID          string       `json:"id" db:"id"`
	Name        string       `json:"name" db:"name"`
	Host        string       `json:"host" db:"host"`
	Port        int          `json:"port" db:"port"`
	Secret      string       `json:"-" db:"secret"`
	RAM         int64        `json:"ram" db:"ram"`
	Cores       int          `json:"cores" db:"cores"`
	Status      NodeStatus   `json:"status" db:"status"`
	Allocations []Allocation `json:"allocations"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

// AllocationRole marks whether an allocation is a server's main endpoint.
type AllocationRole string

const (
	RoleNone      AllocationRole = "none"
	RolePrimary   AllocationRole = "primary"
	RoleSecondary AllocationRole = "secondary"
)

// Allocation is a claimable (ip, port) network endpoint inventoried on a
// single node. ServerID is empty while the allocation is free.
type Allocation struct {
	ID        string         `json:"id"`
	IP        string         `json:"ip"`
	Domain    string         `json:"domain,omitempty"`
	Port      int            `json:"port"`
	ServerID  string         `json:"server_id,omitempty"`
	Role      AllocationRole `json:"role"`
	CreatedAt time.Time      `json:"created_at"`
}

// Free reports whether the allocation is unclaimed.
func (a *Allocation) Free() bool {
	return a.ServerID == ""
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	out := *n
	out.Allocations = make([]Allocation, len(n.Allocations))
	copy(out.Allocations, n.Allocations)
	return &out
}

// Allocation returns the node's allocation with the given id, or nil.
func (n *Node) Allocation(id string) *Allocation {
	for i := range n.Allocations {
		if n.Allocations[i].ID == id {
			return &n.Allocations[i]
		}
	}
	return nil
}

// AllocationByPort returns the node's allocation with the given port, or nil.
func (n *Node) AllocationByPort(port int) *Allocation {
	for i := range n.Allocations {
		if n.Allocations[i].Port == port {
			return &n.Allocations[i]
		}
	}
	return nil
}

// CreateNodeRequest is the request body for registering a node.
type CreateNodeRequest struct {
	Name  string `json:"name"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
	RAM   int64  `json:"ram"`
	Cores int    `json:"cores"`
}

// AddAllocationsRequest adds one port or an inclusive "start-end" range of
// ports on an ip to a node's allocation inventory.
type AddAllocationsRequest struct {
	IP     string `json:"ip"`
	Domain string `json:"domain,omitempty"`
	Ports  string `json:"ports"`
}

// EditAllocationRequest patches an allocation. Nil fields are left as-is.
type EditAllocationRequest struct {
	IP     *string `json:"ip,omitempty"`
	Domain *string `json:"domain,omitempty"`
	Port   *int    `json:"port,omitempty"`
}
