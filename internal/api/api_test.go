package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stratushq/stratus/internal/agent"
	"github.com/stratushq/stratus/internal/allocation"
	"github.com/stratushq/stratus/internal/domain"
	"github.com/stratushq/stratus/internal/lifecycle"
	"github.com/stratushq/stratus/internal/locking"
	"github.com/stratushq/stratus/internal/registry"
	"github.com/stratushq/stratus/internal/relay"
	"github.com/stratushq/stratus/internal/storage/memory"
)

const bootstrapKey = "bootstrap-secret"

type testAPI struct {
	srv    *httptest.Server
	store  *memory.Store
	agents *agent.Fake
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.New()
	agents := agent.NewFake()
	log := zap.NewNop()

	ledger := allocation.New(store, locking.New())
	reg := registry.New(store, agents, log)
	manager := lifecycle.New(store, agents, ledger, log)
	rly := relay.New(store, agents, log)

	router := NewRouter(store, reg, ledger, manager, rly, bootstrapKey, log)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, store: store, agents: agents}
}

// request performs an authenticated JSON request and decodes the response
// into out (if non-nil).
func (a *testAPI) request(t *testing.T, method, path, key string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("X-Actor-ID", "admin-1")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthNeedsNoAuth(t *testing.T) {
	a := newTestAPI(t)
	resp, err := http.Get(a.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAuthRejectsMissingAndBadKeys(t *testing.T) {
	a := newTestAPI(t)

	if code := a.request(t, http.MethodGet, "/api/v1/nodes/", "", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d", code)
	}
	if code := a.request(t, http.MethodGet, "/api/v1/nodes/", "wrong", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("bad key: status = %d", code)
	}
}

func TestBootstrapKeyAndKeyLifecycle(t *testing.T) {
	a := newTestAPI(t)

	// The bootstrap key works while no stored keys exist.
	var created domain.CreateAPIKeyResponse
	code := a.request(t, http.MethodPost, "/api/v1/keys/", bootstrapKey, &domain.CreateAPIKeyRequest{
		Name:         "ops",
		Capabilities: []domain.Capability{domain.CapNodes, domain.CapSettings},
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create key: status = %d", code)
	}
	if created.Key == "" {
		t.Fatal("create returned no key value")
	}

	// Once a real key exists the bootstrap key stops working.
	if code := a.request(t, http.MethodGet, "/api/v1/nodes/", bootstrapKey, nil, nil); code != http.StatusUnauthorized {
		t.Errorf("bootstrap key after first real key: status = %d", code)
	}

	// The real key works for its capabilities.
	if code := a.request(t, http.MethodGet, "/api/v1/nodes/", created.Key, nil, nil); code != http.StatusOK {
		t.Errorf("real key on /nodes: status = %d", code)
	}

	// Listed keys never include the value.
	var keys []*domain.APIKey
	if code := a.request(t, http.MethodGet, "/api/v1/keys/", created.Key, nil, &keys); code != http.StatusOK {
		t.Fatalf("list keys: status = %d", code)
	}
	if len(keys) != 1 || keys[0].KeyHash != "" {
		t.Errorf("key listing leaks data: %+v", keys)
	}
}

func TestCapabilityEnforced(t *testing.T) {
	a := newTestAPI(t)

	var created domain.CreateAPIKeyResponse
	a.request(t, http.MethodPost, "/api/v1/keys/", bootstrapKey, &domain.CreateAPIKeyRequest{
		Name:         "nodes-only",
		Capabilities: []domain.Capability{domain.CapNodes},
	}, &created)

	if code := a.request(t, http.MethodGet, "/api/v1/nodes/", created.Key, nil, nil); code != http.StatusOK {
		t.Errorf("granted capability: status = %d", code)
	}
	if code := a.request(t, http.MethodGet, "/api/v1/servers/", created.Key, nil, nil); code != http.StatusForbidden {
		t.Errorf("missing capability: status = %d", code)
	}
}

func TestNodeAndAllocationEndpoints(t *testing.T) {
	a := newTestAPI(t)

	var node struct {
		domain.Node
		Secret string `json:"secret"`
	}
	code := a.request(t, http.MethodPost, "/api/v1/nodes/", bootstrapKey, &domain.CreateNodeRequest{
		Name: "node-1", Host: "10.0.0.5", Port: 9000, RAM: 16384, Cores: 8,
	}, &node)
	if code != http.StatusCreated {
		t.Fatalf("create node: status = %d", code)
	}
	if node.Secret == "" {
		t.Fatal("registration response did not expose the secret")
	}

	var added []domain.Allocation
	code = a.request(t, http.MethodPost, "/api/v1/nodes/"+node.ID+"/allocations", bootstrapKey,
		&domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565-25567"}, &added)
	if code != http.StatusCreated {
		t.Fatalf("add allocations: status = %d", code)
	}
	if len(added) != 3 {
		t.Fatalf("added %d allocations, want 3", len(added))
	}

	// Duplicate single port maps to 409.
	code = a.request(t, http.MethodPost, "/api/v1/nodes/"+node.ID+"/allocations", bootstrapKey,
		&domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565"}, nil)
	if code != http.StatusConflict {
		t.Errorf("duplicate port: status = %d", code)
	}

	// Bad input maps to 400.
	code = a.request(t, http.MethodPost, "/api/v1/nodes/"+node.ID+"/allocations", bootstrapKey,
		&domain.AddAllocationsRequest{IP: "bad", Ports: "25565"}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("bad ip: status = %d", code)
	}

	// Unknown node maps to 404.
	if code := a.request(t, http.MethodGet, "/api/v1/nodes/missing", bootstrapKey, nil, nil); code != http.StatusNotFound {
		t.Errorf("missing node: status = %d", code)
	}
}

func TestServerLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	// Seed the resources a server needs.
	var node struct {
		domain.Node
		Secret string `json:"secret"`
	}
	a.request(t, http.MethodPost, "/api/v1/nodes/", bootstrapKey, &domain.CreateNodeRequest{
		Name: "node-1", Host: "10.0.0.5", Port: 9000,
	}, &node)
	var allocs []domain.Allocation
	a.request(t, http.MethodPost, "/api/v1/nodes/"+node.ID+"/allocations", bootstrapKey,
		&domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565-25566"}, &allocs)

	var user domain.User
	if code := a.request(t, http.MethodPost, "/api/v1/users/", bootstrapKey, &domain.CreateUserRequest{
		Name: "owner", Email: "owner@example.com",
	}, &user); code != http.StatusCreated {
		t.Fatalf("create user: status = %d", code)
	}

	var image domain.Image
	if code := a.request(t, http.MethodPost, "/api/v1/images/", bootstrapKey, &domain.CreateImageRequest{
		Name: "vanilla", DockerImage: "example/vanilla:latest",
	}, &image); code != http.StatusCreated {
		t.Fatalf("create image: status = %d", code)
	}

	var server domain.Server
	code := a.request(t, http.MethodPost, "/api/v1/servers/", bootstrapKey, &domain.CreateServerRequest{
		Name: "srv", OwnerID: user.ID, NodeID: node.ID,
		AllocationID: allocs[0].ID, ImageID: image.ID, RAM: 2048,
	}, &server)
	if code != http.StatusCreated {
		t.Fatalf("create server: status = %d", code)
	}
	if server.PrimaryPort != 25565 {
		t.Errorf("PrimaryPort = %d", server.PrimaryPort)
	}

	// The actor header lands in the audit journal.
	var audit []domain.AuditEntry
	if code := a.request(t, http.MethodGet, "/api/v1/servers/"+server.ID+"/audit", bootstrapKey, nil, &audit); code != http.StatusOK {
		t.Fatalf("audit: status = %d", code)
	}
	if len(audit) != 1 || audit[0].ActorID != "admin-1" {
		t.Errorf("audit = %+v", audit)
	}

	// Claim a second port, then delete.
	if code := a.request(t, http.MethodPost, "/api/v1/servers/"+server.ID+"/network/25566", bootstrapKey, nil, &server); code != http.StatusOK {
		t.Fatalf("add port: status = %d", code)
	}

	var outcome lifecycle.DeleteOutcome
	if code := a.request(t, http.MethodDelete, "/api/v1/servers/"+server.ID, bootstrapKey, nil, &outcome); code != http.StatusOK {
		t.Fatalf("delete server: status = %d", code)
	}
	if outcome.CanonicalDrop.Status != lifecycle.StepOK {
		t.Errorf("outcome = %+v", outcome)
	}

	// Every allocation is free again.
	stored, err := a.store.GetNode(ctx, node.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, alloc := range stored.Allocations {
		if !alloc.Free() {
			t.Errorf("port %d still owned after delete", alloc.Port)
		}
	}

	if code := a.request(t, http.MethodGet, "/api/v1/servers/"+server.ID, bootstrapKey, nil, nil); code != http.StatusNotFound {
		t.Errorf("deleted server: status = %d", code)
	}
}

func TestConsoleStreamOverHTTP(t *testing.T) {
	a := newTestAPI(t)

	var node struct {
		domain.Node
		Secret string `json:"secret"`
	}
	a.request(t, http.MethodPost, "/api/v1/nodes/", bootstrapKey, &domain.CreateNodeRequest{
		Name: "node-1", Host: "10.0.0.5", Port: 9000,
	}, &node)
	var allocs []domain.Allocation
	a.request(t, http.MethodPost, "/api/v1/nodes/"+node.ID+"/allocations", bootstrapKey,
		&domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565"}, &allocs)

	var user domain.User
	a.request(t, http.MethodPost, "/api/v1/users/", bootstrapKey, &domain.CreateUserRequest{
		Name: "owner", Email: "owner@example.com",
	}, &user)
	var image domain.Image
	a.request(t, http.MethodPost, "/api/v1/images/", bootstrapKey, &domain.CreateImageRequest{
		Name: "vanilla", DockerImage: "example/vanilla:latest",
	}, &image)

	var server domain.Server
	if code := a.request(t, http.MethodPost, "/api/v1/servers/", bootstrapKey, &domain.CreateServerRequest{
		Name: "srv", OwnerID: user.ID, NodeID: node.ID,
		AllocationID: allocs[0].ID, ImageID: image.ID,
	}, &server); code != http.StatusCreated {
		t.Fatalf("create server: status = %d", code)
	}

	// Dial the console websocket as the owner.
	wsURL := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/api/v1/servers/" + server.ID + "/console"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+bootstrapKey)
	header.Set("X-Actor-ID", user.ID)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dialing console: %v", err)
	}
	defer conn.Close()
	if resp != nil {
		resp.Body.Close()
	}

	// The relay authenticates with the node secret, then subscribes with
	// the stable task identifier.
	stream := waitForStream(t, a.agents)
	frames := waitForFrames(t, stream, 2)
	if frames[0].Event != agent.EventAuth {
		t.Fatalf("first frame = %+v", frames[0])
	}
	var auth agent.AuthPayload
	if err := json.Unmarshal(frames[0].Payload, &auth); err != nil {
		t.Fatal(err)
	}
	if auth.Key != node.Secret {
		t.Errorf("auth key = %q, want the node secret", auth.Key)
	}
	var sub agent.SubscribePayload
	if err := json.Unmarshal(frames[1].Payload, &sub); err != nil {
		t.Fatal(err)
	}
	if frames[1].Event != agent.EventLogs || sub.ContainerID != server.TaskID {
		t.Errorf("subscribe frame = %+v, want logs for task %q", frames[1], server.TaskID)
	}

	// Node output reaches the client verbatim.
	raw := `{"event":"logs","payload":"[INFO] done"}`
	stream.Push([]byte(raw))
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading console frame: %v", err)
	}
	if string(data) != raw {
		t.Errorf("frame = %s", data)
	}
}

func waitForStream(t *testing.T, agents *agent.Fake) *agent.FakeStream {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := agents.LastStream(); s != nil {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("node stream never dialed")
	return nil
}

func waitForFrames(t *testing.T, stream *agent.FakeStream, n int) []agent.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := stream.Frames(); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node stream saw %d frames, want %d", len(stream.Frames()), n)
	return nil
}

func TestSettingsRoundTrip(t *testing.T) {
	a := newTestAPI(t)

	var setting domain.Setting
	if code := a.request(t, http.MethodPut, "/api/v1/settings/panel_name", bootstrapKey,
		map[string]string{"value": "Stratus"}, &setting); code != http.StatusOK {
		t.Fatalf("put setting: status = %d", code)
	}
	if code := a.request(t, http.MethodGet, "/api/v1/settings/panel_name", bootstrapKey, nil, &setting); code != http.StatusOK {
		t.Fatalf("get setting: status = %d", code)
	}
	if setting.Value != "Stratus" {
		t.Errorf("value = %q", setting.Value)
	}
	if code := a.request(t, http.MethodDelete, "/api/v1/settings/panel_name", bootstrapKey, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete setting: status = %d", code)
	}
	if code := a.request(t, http.MethodGet, "/api/v1/settings/panel_name", bootstrapKey, nil, nil); code != http.StatusNotFound {
		t.Errorf("deleted setting: status = %d", code)
	}
}

func TestRemoteFailureMapsToBadGateway(t *testing.T) {
	a := newTestAPI(t)
	a.agents.Fail["version"] = domain.ErrRemoteUnavailable

	var node struct {
		domain.Node
		Secret string `json:"secret"`
	}
	a.request(t, http.MethodPost, "/api/v1/nodes/", bootstrapKey, &domain.CreateNodeRequest{
		Name: "node-1", Host: "10.0.0.5", Port: 9000,
	}, &node)

	if code := a.request(t, http.MethodGet, "/api/v1/nodes/"+node.ID+"/version", bootstrapKey, nil, nil); code != http.StatusBadGateway {
		t.Errorf("unreachable agent: status = %d", code)
	}
}

func TestUpdateLastUsedEventually(t *testing.T) {
	a := newTestAPI(t)

	var created domain.CreateAPIKeyResponse
	a.request(t, http.MethodPost, "/api/v1/keys/", bootstrapKey, &domain.CreateAPIKeyRequest{
		Name:         "ops",
		Capabilities: []domain.Capability{domain.CapNodes, domain.CapSettings},
	}, &created)
	a.request(t, http.MethodGet, "/api/v1/nodes/", created.Key, nil, nil)

	// LastUsedAt is written fire-and-forget; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var keys []*domain.APIKey
		a.request(t, http.MethodGet, "/api/v1/keys/", created.Key, nil, &keys)
		if len(keys) == 1 && keys[0].LastUsedAt != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("LastUsedAt never recorded")
}
