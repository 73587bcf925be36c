package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/yitercel/taskflow/pkg/types"
)

// RegisterBuiltins installs the built-in executors. They cover the
// demo trees seeded by examples.init and give integrators working
// references for the capability set.
func RegisterBuiltins(r *Registry) {
	r.Register(Skill{
		ID:          "echo",
		Name:        "Echo",
		Description: "Returns its resolved inputs unchanged",
		Tags:        []string{"builtin", "debug"},
	}, func(params map[string]any) (Executor, error) {
		return &echoExecutor{}, nil
	})

	r.Register(Skill{
		ID:          "sleep",
		Name:        "Sleep",
		Description: "Waits for the configured duration, honouring cancellation",
		Tags:        []string{"builtin", "debug"},
	}, func(params map[string]any) (Executor, error) {
		return &sleepExecutor{}, nil
	})

	r.Register(Skill{
		ID:          "shell",
		Name:        "Shell",
		Description: "Runs a shell command and returns its output and exit code",
		Tags:        []string{"builtin", "shell"},
	}, func(params map[string]any) (Executor, error) {
		return &shellExecutor{}, nil
	})

	r.Register(Skill{
		ID:          "http_request",
		Name:        "HTTP Request",
		Description: "Performs a single HTTP request and returns status and body",
		Tags:        []string{"builtin", "http"},
	}, func(params map[string]any) (Executor, error) {
		timeout := 30 * time.Second
		if raw, ok := params["timeout"].(string); ok {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid timeout: %w", err)
			}
			timeout = d
		}
		return &httpExecutor{client: &http.Client{Timeout: timeout}}, nil
	})
}

type echoExecutor struct{}

func (e *echoExecutor) ID() string          { return "echo" }
func (e *echoExecutor) Name() string        { return "Echo" }
func (e *echoExecutor) Description() string { return "Returns its resolved inputs unchanged" }

func (e *echoExecutor) InputSchema() map[string]any {
	return map[string]any{"type": "object"}
}

func (e *echoExecutor) Execute(ctx context.Context, inputs map[string]any) Outcome {
	return Completed(inputs)
}

type sleepExecutor struct{}

func (e *sleepExecutor) ID() string          { return "sleep" }
func (e *sleepExecutor) Name() string        { return "Sleep" }
func (e *sleepExecutor) Description() string { return "Waits for the configured duration" }

func (e *sleepExecutor) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"duration": map[string]any{"type": "string", "default": "1s"},
		},
	}
}

func (e *sleepExecutor) Execute(ctx context.Context, inputs map[string]any) Outcome {
	raw, _ := inputs["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return Failedf("invalid duration %q: %v", raw, err)
	}
	select {
	case <-time.After(d):
		return Completed(map[string]any{"slept": d.String()})
	case <-ctx.Done():
		return Cancelled(nil)
	}
}

type shellExecutor struct{}

func (e *shellExecutor) ID() string   { return "shell" }
func (e *shellExecutor) Name() string { return "Shell" }
func (e *shellExecutor) Description() string {
	return "Runs a shell command and returns its output and exit code"
}

func (e *shellExecutor) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string"},
			"workdir": map[string]any{"type": "string"},
		},
		"required": []any{"command"},
	}
}

func (e *shellExecutor) Execute(ctx context.Context, inputs map[string]any) Outcome {
	command, _ := inputs["command"].(string)
	workdir, _ := inputs["workdir"].(string)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}
	if ctx.Err() != nil {
		return Cancelled(result)
	}
	if err != nil {
		return Outcome{
			Status: types.TaskStatusFailed,
			Result: result,
			Error:  fmt.Sprintf("command failed: %v", err),
		}
	}
	return Completed(result)
}

type httpExecutor struct {
	client *http.Client
}

func (e *httpExecutor) ID() string   { return "http_request" }
func (e *httpExecutor) Name() string { return "HTTP Request" }
func (e *httpExecutor) Description() string {
	return "Performs a single HTTP request and returns status and body"
}

func (e *httpExecutor) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"method": map[string]any{"type": "string", "default": http.MethodGet},
			"url":    map[string]any{"type": "string"},
			"body":   map[string]any{"type": "string"},
		},
		"required": []any{"url"},
	}
}

func (e *httpExecutor) Execute(ctx context.Context, inputs map[string]any) Outcome {
	method, _ := inputs["method"].(string)
	url, _ := inputs["url"].(string)
	body, _ := inputs["body"].(string)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Failedf("invalid request: %v", err)
	}
	if headers, ok := inputs["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Cancelled(nil)
		}
		return Failedf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Failedf("failed to read response: %v", err)
	}
	result := map[string]any{
		"status": resp.StatusCode,
		"body":   string(data),
	}
	if resp.StatusCode >= 400 {
		return Outcome{
			Status: types.TaskStatusFailed,
			Result: result,
			Error:  fmt.Sprintf("upstream returned %d", resp.StatusCode),
		}
	}
	return Completed(result)
}
