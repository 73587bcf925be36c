package rpc

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/yitercel/taskflow/pkg/taskerr"
)

// JSON-RPC 2.0 error codes. The -32000/-32001 range carries domain
// errors; the structured code and details travel in error.data.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeServer         = -32000
	codeForbidden      = -32001
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response envelope. Protocol tags the
// endpoint family so clients can discriminate.
type Response struct {
	JSONRPC  string    `json:"jsonrpc"`
	ID       any       `json:"id"`
	Protocol string    `json:"protocol"`
	Result   any       `json:"result,omitempty"`
	Error    *RPCError `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func okResponse(id any, protocol string, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Protocol: protocol, Result: result}
}

func errResponse(id any, protocol string, rpcErr *RPCError) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Protocol: protocol, Error: rpcErr}
}

// errorData is the structured payload carried in error.data.
type errorData struct {
	Code          taskerr.Code   `json:"code"`
	TaskID        string         `json:"task_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Errors        []*taskerr.Error `json:"errors,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// toRPCError maps a domain error onto the JSON-RPC taxonomy:
// validation-class codes become invalid params, FORBIDDEN becomes the
// permission code, recognised domain codes become server errors, and
// everything else is internal with a correlation id for the logs.
func toRPCError(err error) *RPCError {
	if rpcErr, ok := err.(*RPCError); ok {
		return rpcErr
	}

	code := taskerr.CodeOf(err)
	data := &errorData{Code: code}

	var te *taskerr.Error
	if errors.As(err, &te) {
		data.TaskID = te.TaskID
		data.Details = te.Details
	}
	var verr *taskerr.ValidationErrors
	if errors.As(err, &verr) {
		data.Errors = verr.Errors
	}

	switch code {
	case taskerr.CodeValidation, taskerr.CodeCircularDep, taskerr.CodeMultiRoot,
		taskerr.CodeUnknownRef, taskerr.CodeUserMismatch, taskerr.CodePermanentField,
		taskerr.CodeDepsLocked, taskerr.CodeInvalidPriority, taskerr.CodeDuplicateDep:
		return &RPCError{Code: codeInvalidParams, Message: err.Error(), Data: data}
	case taskerr.CodeForbidden:
		return &RPCError{Code: codeForbidden, Message: err.Error(), Data: data}
	case taskerr.CodeNotFound, taskerr.CodeState, taskerr.CodeConflict,
		taskerr.CodeDeleteBlocked, taskerr.CodeAlreadyRunning,
		taskerr.CodeDependencyUnsatisfied, taskerr.CodeInputResolution,
		taskerr.CodeExecutor, taskerr.CodeTransport, taskerr.CodeNotImplemented:
		return &RPCError{Code: codeServer, Message: err.Error(), Data: data}
	default:
		data.CorrelationID = uuid.NewString()
		return &RPCError{
			Code:    codeInternal,
			Message: "internal error",
			Data:    data,
		}
	}
}

func invalidParams(msg string) *RPCError {
	return &RPCError{Code: codeInvalidParams, Message: msg}
}

func methodNotFound(method string) *RPCError {
	return &RPCError{Code: codeMethodNotFound, Message: "method not found: " + method}
}

func (e *RPCError) Error() string {
	return e.Message
}
