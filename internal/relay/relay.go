// Package relay pairs a client-facing websocket with a node agent stream
// and forwards live console output and stat events between them.
package relay

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stratushq/stratus/internal/agent"
	"github.com/stratushq/stratus/internal/domain"
	"github.com/stratushq/stratus/internal/session"
	"github.com/stratushq/stratus/internal/storage"
)

// Close reasons sent to the client before the node connection would ever
// be opened.
const (
	reasonUnauthorized    = "unauthorized"
	reasonServerNotFound  = "server not found"
	reasonNodeNotFound    = "node not found"
	reasonNodeUnreachable = "node unreachable"
)

// Relay proxies console and stat streams. Each session holds exactly two
// connections; closing or erroring either side tears down the pair. There
// is no reconnect logic: a dropped node connection ends the session view.
type Relay struct {
	store    storage.Storage
	dial     agent.StreamDialer
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// New creates a new Relay.
func New(store storage.Storage, dial agent.StreamDialer, log *zap.Logger) *Relay {
	return &Relay{
		store: store,
		dial:  dial,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Console relays the server's console stream, both directions verbatim.
func (rl *Relay) Console(w http.ResponseWriter, r *http.Request) {
	rl.stream(w, r, agent.EventLogs)
}

// Stats relays only stat events: node frames tagged as stats are unwrapped
// and forwarded, every other envelope type is dropped so the client never
// has to filter.
func (rl *Relay) Stats(w http.ResponseWriter, r *http.Request) {
	rl.stream(w, r, agent.EventStats)
}

func (rl *Relay) stream(w http.ResponseWriter, r *http.Request, kind string) {
	client, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer client.Close()

	ctx := r.Context()
	serverID := chi.URLParam(r, "id")

	// All authorization happens before the node connection is opened; a
	// rejected request only ever costs the client-facing socket.
	actor := session.Actor(ctx)
	if actor == "" {
		closeWith(client, websocket.ClosePolicyViolation, reasonUnauthorized)
		return
	}
	server, err := rl.store.GetServer(ctx, serverID)
	if err != nil {
		closeWith(client, websocket.ClosePolicyViolation, reasonServerNotFound)
		return
	}
	if !authorized(server, actor) {
		closeWith(client, websocket.ClosePolicyViolation, reasonUnauthorized)
		return
	}
	node, err := rl.store.GetNode(ctx, server.Node.ID)
	if err != nil {
		closeWith(client, websocket.ClosePolicyViolation, reasonNodeNotFound)
		return
	}

	upstream, err := rl.dial.DialStream(ctx, node)
	if err != nil {
		rl.log.Warn("relay: dialing node stream",
			zap.String("server", serverID), zap.String("node", node.ID), zap.Error(err))
		closeWith(client, websocket.CloseTryAgainLater, reasonNodeUnreachable)
		return
	}
	defer upstream.Close()

	// Authenticate, then subscribe by the stable task identifier. The
	// agent resolves it to whatever container currently backs the task;
	// the ephemeral container id is never sent.
	if err := writeFrame(upstream, agent.EventAuth, agent.AuthPayload{Key: node.Secret}); err != nil {
		return
	}
	if err := writeFrame(upstream, kind, agent.SubscribePayload{ContainerID: server.TaskID}); err != nil {
		return
	}

	rl.pump(client, upstream, kind)
}

// pump shovels frames between the two sockets until either side closes.
func (rl *Relay) pump(client *websocket.Conn, upstream agent.StreamConn, kind string) {
	done := make(chan struct{}, 2)

	// client -> node: console input is forwarded verbatim; for stat
	// sessions the read loop only detects the client going away.
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			if kind != agent.EventLogs {
				continue
			}
			if err := upstream.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}()

	// node -> client.
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := upstream.ReadMessage()
			if err != nil {
				return
			}
			if kind == agent.EventLogs {
				if err := client.WriteMessage(msgType, data); err != nil {
					return
				}
				continue
			}
			var frame agent.Frame
			if err := json.Unmarshal(data, &frame); err != nil || frame.Event != agent.EventStats {
				continue
			}
			if err := client.WriteMessage(websocket.TextMessage, frame.Payload); err != nil {
				return
			}
		}
	}()

	// First side to drop ends the session; the deferred closes in stream
	// tear down the peer, which unblocks the other goroutine.
	<-done
}

// authorized reports whether the actor may view the server's streams.
func authorized(server *domain.Server, actor string) bool {
	if server.OwnerID == actor {
		return true
	}
	for _, id := range server.SubuserIDs {
		if id == actor {
			return true
		}
	}
	return false
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func writeFrame(conn agent.StreamConn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(agent.Frame{Event: event, Payload: data})
}
