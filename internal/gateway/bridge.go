package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"slices"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
)

const headerProtocolVersion = "Mcp-Protocol-Version"

// protocolVersions are the Mcp-Protocol-Version values the MCP server accepts.
// An absent header is treated as the oldest streamable version.
var protocolVersions = []string{"2025-11-25", "2025-06-18", "2025-03-26", "2024-11-05"}

// maxHeldBody bounds how much of a replaced error body is kept for logging.
const maxHeldBody = 512

// checkProtocolVersion rejects a version header the MCP server would refuse.
func checkProtocolVersion(r *http.Request) *apperrors.Error {
	v := r.Header.Get(headerProtocolVersion)
	if v == "" || slices.Contains(protocolVersions, v) {
		return nil
	}

	return &apperrors.Error{
		Status:  http.StatusBadRequest,
		Code:    apperrors.CodeInvalidRequest,
		Message: "Unsupported protocol version",
		Err:     fmt.Errorf("%w: %s %q", apperrors.ErrBadRequest, headerProtocolVersion, v),
	}
}

// normalizeTransportHeaders strips the streaming negotiation the gateway
// does not take part in. Responses are always a single JSON body, so
// Accept is fixed and a resumption id is meaningless.
func normalizeTransportHeaders(r *http.Request) {
	r.Header.Set("Accept", "application/json, text/event-stream")
	r.Header.Del("Last-Event-ID")
}

// envelopeWriter holds back any error response that is not JSON so the
// caller can replace it with an envelope.
type envelopeWriter struct {
	http.ResponseWriter
	status int
	held   bool
	body   bytes.Buffer
}

func (e *envelopeWriter) WriteHeader(status int) {
	if e.status != 0 {
		return
	}

	e.status = status

	if status >= http.StatusBadRequest && !isJSON(e.Header().Get("Content-Type")) {
		e.held = true
		return
	}

	e.ResponseWriter.WriteHeader(status)
}

func (e *envelopeWriter) Write(b []byte) (int, error) {
	if e.status == 0 {
		e.WriteHeader(http.StatusOK)
	}

	if e.held {
		if room := maxHeldBody - e.body.Len(); room > 0 {
			e.body.Write(b[:min(room, len(b))])
		}

		return len(b), nil
	}

	return e.ResponseWriter.Write(b)
}

func (e *envelopeWriter) Flush() {
	if e.held {
		return
	}

	if f, ok := e.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (e *envelopeWriter) Unwrap() http.ResponseWriter {
	return e.ResponseWriter
}

// serveEnveloped runs h and, if it answered with a plain error, writes the
// equivalent envelope carrying id instead. The replaced error is returned.
func serveEnveloped(h http.Handler, w http.ResponseWriter, r *http.Request, id json.RawMessage) *apperrors.Error {
	ew := &envelopeWriter{ResponseWriter: w}
	h.ServeHTTP(ew, r)

	if !ew.held {
		return nil
	}

	e := transportError(ew.status, bytes.TrimSpace(ew.body.Bytes()))

	w.Header().Del("X-Content-Type-Options")
	w.Header().Del("Content-Length")
	writeEnvelope(w, e.Status, e.Code, e.Message, id)

	return e
}

func transportError(status int, detail []byte) *apperrors.Error {
	err := fmt.Errorf("transport responded %d: %s", status, detail)

	switch {
	case status == http.StatusMethodNotAllowed:
		return &apperrors.Error{Status: status, Code: apperrors.CodeServerError, Message: "Method not allowed.", Err: err}
	case status == http.StatusNotFound:
		return &apperrors.Error{Status: status, Code: apperrors.CodeMethodNotFound, Message: "Server not found", Err: err}
	case status < http.StatusInternalServerError:
		return &apperrors.Error{Status: http.StatusBadRequest, Code: apperrors.CodeInvalidRequest, Message: "Invalid Request", Err: err}
	default:
		return &apperrors.Error{Status: http.StatusInternalServerError, Code: apperrors.CodeInternal, Message: "Internal server error", Err: err}
	}
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}
