package callback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/yitercel/taskflow/pkg/events"
	"github.com/yitercel/taskflow/pkg/log"
	"github.com/yitercel/taskflow/pkg/metrics"
	"github.com/yitercel/taskflow/pkg/types"
)

// Options tunes push delivery.
type Options struct {
	// MaxRetries is how many times a retryable delivery is re-attempted
	// after the first try.
	MaxRetries int

	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration

	// Protocol tags every pushed event with the endpoint family that
	// started the run ("a2a" or "jsonrpc").
	Protocol string

	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// Pusher delivers one run's events to a caller-supplied HTTP endpoint.
// Transport errors and 5xx responses are retried with exponential
// backoff; 4xx responses are final. A dropped event is logged and
// skipped, never blocking the stream.
type Pusher struct {
	cfg         types.PushConfig
	rootID      string
	protocol    string
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
	logger      zerolog.Logger
}

// NewPusher creates a pusher for one run.
func NewPusher(rootID string, cfg types.PushConfig, opts Options) *Pusher {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Pusher{
		cfg:         cfg,
		rootID:      rootID,
		protocol:    opts.Protocol,
		client:      client,
		maxRetries:  opts.MaxRetries,
		baseBackoff: opts.BaseBackoff,
		logger:      log.WithComponent("callback").With().Str("root_id", rootID).Logger(),
	}
}

// Deliver consumes the subscription until it closes, pushing every
// event. Run it on its own goroutine.
func (p *Pusher) Deliver(sub *events.Subscriber) {
	defer sub.Close()
	for ev := range sub.Events() {
		if ev.Type == types.EventStreamEnd {
			return
		}
		p.send(ev)
	}
}

// send pushes one event, retrying per the backoff policy.
func (p *Pusher) send(ev *types.Event) {
	payload, err := json.Marshal(p.body(ev))
	if err != nil {
		p.logger.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to encode push body")
		return
	}

	backoff := p.baseBackoff
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		retryable, err := p.post(payload)
		if err == nil {
			metrics.CallbackAttempts.WithLabelValues("success").Inc()
			return
		}
		metrics.CallbackAttempts.WithLabelValues("failure").Inc()
		if !retryable {
			p.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("push rejected, not retrying")
			return
		}
		if attempt >= p.maxRetries {
			metrics.CallbackAttempts.WithLabelValues("dropped").Inc()
			p.logger.Warn().Err(err).
				Str("type", string(ev.Type)).
				Int("attempts", attempt+1).
				Msg("push failed, dropping event")
			return
		}
		p.logger.Debug().Err(err).
			Str("type", string(ev.Type)).
			Dur("backoff", backoff).
			Msg("push failed, retrying")
	}
}

// post performs one HTTP attempt. retryable distinguishes transport and
// server errors from client-side rejections.
func (p *Pusher) post(payload []byte) (retryable bool, err error) {
	method := p.cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequest(method, p.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
}

// pushBody is the wire shape of one pushed event.
type pushBody struct {
	TaskID    string     `json:"task_id"`
	ContextID string     `json:"context_id"`
	Status    pushStatus `json:"status"`
	Final     bool       `json:"final"`
}

type pushStatus struct {
	State   string         `json:"state"`
	Message *statusMessage `json:"message,omitempty"`
}

type statusMessage struct {
	Role  string        `json:"role"`
	Parts []messagePart `json:"parts"`
}

type messagePart struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data"`
}

func (p *Pusher) body(ev *types.Event) pushBody {
	state := "working"
	if ev.Status != "" {
		state = string(ev.Status)
	}
	taskID := ev.TaskID
	if taskID == "" {
		taskID = p.rootID
	}
	data := map[string]any{
		"type":         string(ev.Type),
		"protocol":     p.protocol,
		"status":       string(ev.Status),
		"progress":     ev.Progress,
		"root_task_id": p.rootID,
	}
	if ev.Result != nil {
		data["result"] = ev.Result
	}
	if ev.Error != "" {
		data["error"] = ev.Error
	}
	if ev.Message != "" {
		data["message"] = ev.Message
	}
	return pushBody{
		TaskID:    taskID,
		ContextID: p.rootID,
		Status: pushStatus{
			State: state,
			Message: &statusMessage{
				Role:  "agent",
				Parts: []messagePart{{Kind: "data", Data: data}},
			},
		},
		Final: ev.Type == types.EventRunFinal,
	}
}
