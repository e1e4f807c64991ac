package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stratushq/stratus/internal/domain"
)

// fakeAgent runs an httptest server speaking the node agent's wire
// contract and records what it saw.
type fakeAgent struct {
	srv      *httptest.Server
	lastPath string
	lastKey  string
	lastBody []byte
	status   int
	respond  string
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	f := &fakeAgent{status: http.StatusOK, respond: `{}`}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.lastPath = r.URL.Path
		f.lastKey = r.URL.Query().Get("key")
		if r.Body != nil {
			buf := make([]byte, 4096)
			n, _ := r.Body.Read(buf)
			f.lastBody = buf[:n]
		}
		w.WriteHeader(f.status)
		w.Write([]byte(f.respond))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgent) node(t *testing.T) *domain.Node {
	t.Helper()
	u, err := url.Parse(f.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	return &domain.Node{ID: "n", Host: u.Hostname(), Port: port, Secret: "s3cret"}
}

func TestHealthSendsKey(t *testing.T) {
	f := newFakeAgent(t)
	f.respond = `{"status":"online"}`

	c := NewClient(0)
	status, err := c.Health(context.Background(), f.node(t))
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if status != "online" {
		t.Errorf("status = %q", status)
	}
	if f.lastPath != "/health" {
		t.Errorf("path = %q", f.lastPath)
	}
	if f.lastKey != "s3cret" {
		t.Errorf("key = %q, want the node secret", f.lastKey)
	}
}

func TestCreateServerWireFormat(t *testing.T) {
	f := newFakeAgent(t)
	f.respond = `{"containerId":"ct-1","idt":"task-1"}`

	c := NewClient(0)
	resp, err := c.CreateServer(context.Background(), f.node(t), &CreateRequest{
		Name: "srv", Image: "example/vanilla", Port: 25565,
		Env: map[string]string{"MEMORY": "1024"},
	})
	if err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if resp.ContainerID != "ct-1" || resp.TaskID != "task-1" {
		t.Errorf("resp = %+v", resp)
	}
	if f.lastPath != "/server/create" {
		t.Errorf("path = %q", f.lastPath)
	}

	// The request body uses the agent's camelCase field names.
	var body map[string]any
	if err := json.Unmarshal(f.lastBody, &body); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if _, ok := body["startCommand"]; ok {
		t.Error("empty startCommand not omitted")
	}
	if body["name"] != "srv" {
		t.Errorf("body = %v", body)
	}
}

func TestCreateServerRequiresTaskID(t *testing.T) {
	f := newFakeAgent(t)
	f.respond = `{"containerId":"ct-1"}`

	c := NewClient(0)
	_, err := c.CreateServer(context.Background(), f.node(t), &CreateRequest{Name: "srv"})
	if !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("got %v, want ErrRemoteUnavailable", err)
	}
}

func TestNon2xxWrapsRemoteUnavailable(t *testing.T) {
	f := newFakeAgent(t)
	f.status = http.StatusInternalServerError

	c := NewClient(0)
	if _, err := c.Health(context.Background(), f.node(t)); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("got %v, want ErrRemoteUnavailable", err)
	}
}

func TestUnreachableWrapsRemoteUnavailable(t *testing.T) {
	c := NewClient(0)
	node := &domain.Node{Host: "127.0.0.1", Port: 1, Secret: "x"}
	if err := c.DeleteServer(context.Background(), node, "task-1"); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("got %v, want ErrRemoteUnavailable", err)
	}
}

func TestTaskScopedPaths(t *testing.T) {
	f := newFakeAgent(t)
	c := NewClient(0)
	node := f.node(t)
	ctx := context.Background()

	cases := []struct {
		call func() error
		path string
	}{
		{func() error { return c.DeleteServer(ctx, node, "task-1") }, "/server/delete/task-1"},
		{func() error { _, err := c.ReinstallServer(ctx, node, "task-1"); return err }, "/server/reinstall/task-1"},
		{func() error { _, err := c.ServerState(ctx, node, "task-1"); return err }, "/server/task-1/state"},
		{func() error { return c.Power(ctx, node, "task-1", "stop") }, "/server/power/task-1/stop"},
		{func() error { return c.NetworkAdd(ctx, node, "task-1", 25566) }, "/server/network/task-1/add/25566"},
		{func() error { return c.NetworkSetPrimary(ctx, node, "task-1", 25566) }, "/server/network/task-1/setprimary/25566"},
		{func() error { return c.NetworkRemove(ctx, node, "task-1", 25566) }, "/server/network/task-1/remove/25566"},
	}
	for _, tc := range cases {
		if err := tc.call(); err != nil {
			t.Fatalf("%s: %v", tc.path, err)
		}
		if f.lastPath != tc.path {
			t.Errorf("path = %q, want %q", f.lastPath, tc.path)
		}
	}
}

func TestEditServerQuery(t *testing.T) {
	f := newFakeAgent(t)
	f.respond = `{"containerId":"ct-2"}`

	var rawQuery string
	f.srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		w.Write([]byte(f.respond))
	})

	c := NewClient(0)
	containerID, err := c.EditServer(context.Background(), f.node(t), "task-1", &EditRequest{Name: "srv"})
	if err != nil {
		t.Fatalf("EditServer: %v", err)
	}
	if containerID != "ct-2" {
		t.Errorf("containerID = %q", containerID)
	}
	if !strings.Contains(rawQuery, "idt=task-1") {
		t.Errorf("query = %q, want idt parameter", rawQuery)
	}
}
