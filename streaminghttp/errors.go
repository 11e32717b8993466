package streaminghttp

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ggoodman/spotify-mcp-go/internal/jsonrpc"
)

// ProtocolError is a request the router refuses before any session work
// happens. It is written as a JSON-RPC error envelope with the given HTTP
// status.
type ProtocolError struct {
	Status  int
	Code    jsonrpc.ErrorCode
	Message string
	// ID echoes the request id when it could be parsed; nil encodes as null.
	ID *jsonrpc.RequestID
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%d %s (%d)", e.Status, e.Message, e.Code)
}

func protocolError(status int, code jsonrpc.ErrorCode, msg string) *ProtocolError {
	return &ProtocolError{Status: status, Code: code, Message: msg}
}

func (e *ProtocolError) withID(id *jsonrpc.RequestID) *ProtocolError {
	dup := *e
	dup.ID = id
	return &dup
}

var (
	errSessionRequired   = protocolError(http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "Bad Request: Mcp-Session-Id header is required")
	errNoValidSession    = protocolError(http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "Bad Request: No valid session ID provided")
	errSessionNotFound   = protocolError(http.StatusNotFound, jsonrpc.ErrorCodeServerError, "Session not found")
	errUnknownEventID    = protocolError(http.StatusConflict, jsonrpc.ErrorCodeServerError, "Last-Event-ID is unknown; reconnect without it to resync")
	errAlreadyInit       = protocolError(http.StatusConflict, jsonrpc.ErrorCodeInvalidRequest, "session already initialized")
	errVersionMismatch   = protocolError(http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "Bad Request: Mcp-Protocol-Version does not match the negotiated version")
	errUnsupportedMedia  = protocolError(http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeServerError, "Unsupported Media Type: Content-Type must be application/json")
	errNotAcceptable     = protocolError(http.StatusNotAcceptable, jsonrpc.ErrorCodeServerError, "Not Acceptable: client must accept application/json or text/event-stream")
	errStreamNotAccepted = protocolError(http.StatusNotAcceptable, jsonrpc.ErrorCodeServerError, "Not Acceptable: client must accept text/event-stream")
	errBatch             = protocolError(http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "Bad Request: JSON-RPC batches are not supported")
	errParse             = protocolError(http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error")
	errTooLarge          = protocolError(http.StatusRequestEntityTooLarge, jsonrpc.ErrorCodeInvalidRequest, "Request body too large")
	errCapacity          = protocolError(http.StatusServiceUnavailable, jsonrpc.ErrorCodeServerError, "Service Unavailable: session limit reached")
	errInternal          = protocolError(http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal server error")
)

// writeProtocolError writes the envelope. It must run before the status line
// is committed.
func writeProtocolError(w http.ResponseWriter, e *ProtocolError) {
	resp := jsonrpc.NewErrorResponse(e.ID, e.Code, e.Message, nil)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(resp)
}
