package rpc

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yitercel/taskflow/pkg/events"
	"github.com/yitercel/taskflow/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsRequest is a client control message on the socket.
type wsRequest struct {
	Action string `json:"action"`
	TaskID string `json:"task_id"`
}

// wsReply is a server message: control replies and forwarded events.
type wsReply struct {
	Type   string       `json:"type"`
	TaskID string       `json:"task_id,omitempty"`
	Error  string       `json:"error,omitempty"`
	Event  *types.Event `json:"event,omitempty"`
}

// handleWS multiplexes event subscriptions for many trees over one
// socket: subscribe/unsubscribe by task id, ping for keepalive.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	principal := s.auth.Authenticate(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		server:    s,
		conn:      conn,
		principal: principal,
		subs:      make(map[string]*wsSubscription),
		done:      make(chan struct{}),
	}
	defer c.teardown()
	c.readLoop()
}

type wsClient struct {
	server    *Server
	conn      *websocket.Conn
	principal types.Principal

	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]*wsSubscription // keyed by root task id
	done    chan struct{}
}

type wsSubscription struct {
	taskID string
	sub    *events.Subscriber
}

func (c *wsClient) readLoop() {
	for {
		var req wsRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Action {
		case "ping":
			c.write(wsReply{Type: "pong"})
		case "subscribe":
			c.subscribe(req.TaskID)
		case "unsubscribe":
			c.unsubscribe(req.TaskID)
		default:
			c.write(wsReply{Type: "error", Error: "unknown action: " + req.Action})
		}
	}
}

func (c *wsClient) subscribe(taskID string) {
	if taskID == "" {
		c.write(wsReply{Type: "error", Error: "task_id is required"})
		return
	}
	if _, err := c.server.svc.authorize(c.principal, taskID); err != nil {
		c.write(wsReply{Type: "error", TaskID: taskID, Error: err.Error()})
		return
	}
	root, err := c.server.svc.store.GetRoot(taskID)
	if err != nil {
		c.write(wsReply{Type: "error", TaskID: taskID, Error: err.Error()})
		return
	}

	c.mu.Lock()
	if _, exists := c.subs[root.ID]; exists {
		c.mu.Unlock()
		c.write(wsReply{Type: "subscribed", TaskID: taskID})
		return
	}
	sub := c.server.svc.bus.Topic(root.ID).Subscribe()
	c.subs[root.ID] = &wsSubscription{taskID: taskID, sub: sub}
	c.mu.Unlock()

	c.write(wsReply{Type: "subscribed", TaskID: taskID})
	go c.forward(root.ID, taskID, sub)
}

func (c *wsClient) unsubscribe(taskID string) {
	root, err := c.server.svc.store.GetRoot(taskID)
	rootID := taskID
	if err == nil {
		rootID = root.ID
	}

	c.mu.Lock()
	ws, ok := c.subs[rootID]
	if ok {
		delete(c.subs, rootID)
	}
	c.mu.Unlock()

	if ok {
		ws.sub.Close()
	}
	c.write(wsReply{Type: "unsubscribed", TaskID: taskID})
}

// forward pumps one subscription into the socket until either side
// closes.
func (c *wsClient) forward(rootID, taskID string, sub *events.Subscriber) {
	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				c.mu.Lock()
				delete(c.subs, rootID)
				c.mu.Unlock()
				return
			}
			c.write(wsReply{Type: "event", TaskID: taskID, Event: ev})
		case <-c.done:
			return
		}
	}
}

// write serialises socket writes across the forwarders.
func (c *wsClient) write(v wsReply) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = c.conn.WriteJSON(v)
}

func (c *wsClient) teardown() {
	close(c.done)
	c.mu.Lock()
	subs := make([]*wsSubscription, 0, len(c.subs))
	for _, ws := range c.subs {
		subs = append(subs, ws)
	}
	c.subs = make(map[string]*wsSubscription)
	c.mu.Unlock()

	for _, ws := range subs {
		ws.sub.Close()
	}
	_ = c.conn.Close()
}
