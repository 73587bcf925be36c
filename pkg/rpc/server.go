package rpc

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/yitercel/taskflow/pkg/log"
	"github.com/yitercel/taskflow/pkg/metrics"
)

// Version is the advertised service version.
const Version = "0.3.0"

// Server is the HTTP face of the dispatcher: JSON-RPC endpoints,
// SSE/callback execute modes, the WebSocket multiplexer and the public
// discovery surface.
type Server struct {
	svc    *Service
	auth   Authenticator
	logger zerolog.Logger
}

// NewServer wires the HTTP layer over a service.
func NewServer(svc *Service, auth Authenticator) *Server {
	return &Server{
		svc:    svc,
		auth:   auth,
		logger: log.WithComponent("http"),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.rpcHandler("a2a")).Methods(http.MethodPost)
	r.HandleFunc("/tasks", s.rpcHandler("jsonrpc")).Methods(http.MethodPost)
	r.HandleFunc("/system", s.rpcHandler("jsonrpc")).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/agent-card", s.handleAgentCard).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) rpcHandler(protocol string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()

		body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
		if err != nil {
			s.finish(w, protocol, "", started, errResponse(nil, protocol,
				&RPCError{Code: codeParse, Message: "failed to read request body"}))
			return
		}
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			s.finish(w, protocol, "", started, errResponse(nil, protocol,
				&RPCError{Code: codeParse, Message: "parse error"}))
			return
		}
		if req.JSONRPC != "" && req.JSONRPC != "2.0" {
			s.finish(w, protocol, req.Method, started, errResponse(req.ID, protocol,
				&RPCError{Code: codeInvalidRequest, Message: "unsupported jsonrpc version"}))
			return
		}
		if req.Method == "" {
			s.finish(w, protocol, "", started, errResponse(req.ID, protocol,
				&RPCError{Code: codeInvalidRequest, Message: "method is required"}))
			return
		}
		if len(req.Params) == 0 {
			req.Params = json.RawMessage("{}")
		}

		method := s.svc.NormalizeMethod(req.Method)
		principal := s.auth.Authenticate(r)

		if method == "tasks.execute" && s.handleExecuteModes(w, r, protocol, principal, &req) {
			metrics.RPCRequestsTotal.WithLabelValues(method, "ok").Inc()
			metrics.RPCRequestDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
			return
		}

		result, err := s.svc.Dispatch(r.Context(), principal, method, req.Params)
		if err != nil {
			s.finish(w, protocol, method, started, errResponse(req.ID, protocol, s.mapError(method, err)))
			return
		}
		s.finish(w, protocol, method, started, okResponse(req.ID, protocol, result))
	}
}

// mapError converts a domain error and logs internals with their
// correlation id so the opaque response can be traced.
func (s *Server) mapError(method string, err error) *RPCError {
	rpcErr := toRPCError(err)
	if rpcErr.Code == codeInternal {
		correlation := ""
		if data, ok := rpcErr.Data.(*errorData); ok {
			correlation = data.CorrelationID
		}
		s.logger.Error().Err(err).
			Str("method", method).
			Str("correlation_id", correlation).
			Msg("internal error")
	}
	return rpcErr
}

func (s *Server) finish(w http.ResponseWriter, protocol, method string, started time.Time, resp *Response) {
	status := "ok"
	if resp.Error != nil {
		status = "error"
	}
	if method == "" {
		method = "invalid"
	}
	metrics.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	metrics.RPCRequestDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": Version})
}
