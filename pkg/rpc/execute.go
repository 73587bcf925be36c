package rpc

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/yitercel/taskflow/pkg/callback"
	"github.com/yitercel/taskflow/pkg/types"
)

// handleExecuteModes intercepts the streaming and callback execute
// shapes. It reports false for plain synchronous execution, which goes
// through the regular dispatch path.
func (s *Server) handleExecuteModes(w http.ResponseWriter, r *http.Request, protocol string, p types.Principal, req *Request) bool {
	var ep executeParams
	if err := json.Unmarshal(req.Params, &ep); err != nil {
		return false
	}
	switch {
	case ep.Metadata.Stream:
		s.executeSSE(w, r, protocol, p, req)
		return true
	case ep.Configuration != nil && ep.Configuration.PushNotificationConfig != nil:
		s.executeCallback(w, protocol, p, req, ep.Configuration.PushNotificationConfig)
		return true
	default:
		return false
	}
}

// executeSSE starts the run and streams its events. The first frame is
// the JSON-RPC envelope confirming the start; the connection closes on
// the stream end event or client disconnect (the run itself continues).
func (s *Server) executeSSE(w http.ResponseWriter, r *http.Request, protocol string, p types.Principal, req *Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, errResponse(req.ID, protocol,
			&RPCError{Code: codeInternal, Message: "streaming not supported by connection"}))
		return
	}

	target, err := s.svc.ResolveExecuteTarget(p, req.Params)
	if err != nil {
		writeJSON(w, errResponse(req.ID, protocol, s.mapError("tasks.execute", err)))
		return
	}
	root, err := s.svc.store.GetRoot(target)
	if err != nil {
		writeJSON(w, errResponse(req.ID, protocol, s.mapError("tasks.execute", err)))
		return
	}

	// Subscribe before starting so no event is missed.
	sub := s.svc.bus.Topic(root.ID).Subscribe()
	h, err := s.svc.sched.Start(target)
	if err != nil {
		sub.Close()
		writeJSON(w, errResponse(req.ID, protocol, s.mapError("tasks.execute", err)))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSEFrame(w, okResponse(req.ID, protocol, map[string]any{
		"status":       "started",
		"run_id":       h.RunID,
		"root_task_id": h.RootTaskID,
		"task_id":      h.TargetID,
	}))
	flusher.Flush()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			writeSSEFrame(w, ev)
			flusher.Flush()
			if ev.Type == types.EventStreamEnd {
				sub.Close()
				return
			}
		case <-r.Context().Done():
			// Client gone; the run keeps going without us.
			sub.Close()
			return
		}
	}
}

// executeCallback starts the run, attaches a pusher to its topic, and
// answers immediately.
func (s *Server) executeCallback(w http.ResponseWriter, protocol string, p types.Principal, req *Request, pushCfg *types.PushConfig) {
	target, err := s.svc.ResolveExecuteTarget(p, req.Params)
	if err != nil {
		writeJSON(w, errResponse(req.ID, protocol, s.mapError("tasks.execute", err)))
		return
	}
	root, err := s.svc.store.GetRoot(target)
	if err != nil {
		writeJSON(w, errResponse(req.ID, protocol, s.mapError("tasks.execute", err)))
		return
	}

	sub := s.svc.bus.Topic(root.ID).Subscribe()
	h, err := s.svc.sched.Start(target)
	if err != nil {
		sub.Close()
		writeJSON(w, errResponse(req.ID, protocol, s.mapError("tasks.execute", err)))
		return
	}

	opts := s.svc.pushOptions()
	opts.Protocol = protocol
	pusher := callback.NewPusher(root.ID, *pushCfg, opts)
	go pusher.Deliver(sub)

	writeJSON(w, okResponse(req.ID, protocol, map[string]any{
		"status":       "started",
		"run_id":       h.RunID,
		"root_task_id": h.RootTaskID,
		"task_id":      h.TargetID,
		"callback_url": pushCfg.URL,
	}))
}

func writeSSEFrame(w io.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
