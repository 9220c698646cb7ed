package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
)

var nullID = json.RawMessage("null")

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errorEnvelope is a JSON-RPC 2.0 error response.
type errorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Error   rpcError        `json:"error"`
	ID      json.RawMessage `json:"id"`
}

// writeEnvelope writes a JSON-RPC error with the given HTTP status.
func writeEnvelope(w http.ResponseWriter, status, code int, message string, id json.RawMessage) {
	if len(id) == 0 {
		id = nullID
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		JSONRPC: "2.0",
		Error:   rpcError{Code: code, Message: message},
		ID:      id,
	})
}

// writeAppError writes err as the envelope its classification dictates.
func writeAppError(w http.ResponseWriter, err error, id json.RawMessage) *apperrors.Error {
	e := apperrors.Classify(err)
	writeEnvelope(w, e.Status, e.Code, e.Message, id)

	return e
}

// rpcRequest is the part of an inbound JSON-RPC message the gateway
// inspects before handing it to the MCP server.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id"`
}

// parseRequest checks body is a single JSON-RPC 2.0 message. The returned
// id is usable in an error envelope even when validation fails.
func parseRequest(body []byte) (json.RawMessage, *apperrors.Error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, &apperrors.Error{
			Status:  http.StatusBadRequest,
			Code:    apperrors.CodeParseError,
			Message: "Parse error",
			Err:     fmt.Errorf("%w: body is not valid JSON", apperrors.ErrBadRequest),
		}
	}

	var req rpcRequest
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &req) != nil {
		return nil, invalidRequest("body must be a single JSON-RPC object")
	}

	if req.JSONRPC != "2.0" {
		return req.ID, invalidRequest(`jsonrpc must be "2.0"`)
	}

	if req.Method == "" {
		return req.ID, invalidRequest("method is required")
	}

	return req.ID, nil
}

func invalidRequest(detail string) *apperrors.Error {
	return &apperrors.Error{
		Status:  http.StatusBadRequest,
		Code:    apperrors.CodeInvalidRequest,
		Message: "Invalid Request",
		Err:     fmt.Errorf("%w: %s", apperrors.ErrBadRequest, detail),
	}
}
