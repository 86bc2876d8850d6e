package toolrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	// Version is the JSON-RPC protocol version stamped on every response.
	Version = "2.0"
	// MaxMessageSize is the maximum length of a single protocol line (4 MB).
	MaxMessageSize = 4 * 1024 * 1024
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ID is an opaque request id. It is kept in its raw JSON form so a
// response echoes the caller's id byte for byte, whether it was a number
// or a string.
type ID json.RawMessage

// NewID returns a string id.
func NewID(s string) ID {
	b, _ := json.Marshal(s)
	return ID(b)
}

// IsZero reports whether the id is absent or JSON null.
func (id ID) IsZero() bool {
	return len(id) == 0 || string(id) == "null"
}

// Equal reports whether both ids have the same JSON encoding.
func (id ID) Equal(other ID) bool {
	return bytes.Equal(bytes.TrimSpace(id), bytes.TrimSpace(other))
}

func (id ID) String() string {
	if id.IsZero() {
		return "null"
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if len(id) == 0 {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	*id = append((*id)[:0], data...)
	return nil
}

// Request is a tool invocation. Params must be a JSON object.
type Request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response carries exactly one of Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object. It also implements error so tool
// handlers can return it to pick their own code.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", CodeName(e.Code), e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeName returns the symbolic name of a standard code.
func CodeName(code int) string {
	switch code {
	case CodeParseError:
		return "ParseError"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeMethodNotFound:
		return "MethodNotFound"
	case CodeInvalidParams:
		return "InvalidParams"
	case CodeInternalError:
		return "InternalError"
	default:
		return "Error"
	}
}

// ToolDefinition describes one tool to the generative backend.
type ToolDefinition struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	ParameterSchema json.RawMessage `json:"parameterSchema"`
}

// Success builds a result response for id.
func Success(id ID, result any) Response {
	data, err := json.Marshal(result)
	if err != nil {
		return Failure(id, Errorf(CodeInternalError, "marshal result: %v", err))
	}
	return Response{JSONRPC: Version, ID: id, Result: data}
}

// Failure builds an error response for id.
func Failure(id ID, err *Error) Response {
	return Response{JSONRPC: Version, ID: id, Error: err}
}

// Endpoint is a network address in "network:address" form, for example
// "unix:/tmp/tools.sock" or "tcp:127.0.0.1:9001".
type Endpoint struct {
	Network string
	Address string
}

func (e Endpoint) String() string {
	return e.Network + ":" + e.Address
}

// ParseEndpoint parses a "network:address" string.
func ParseEndpoint(s string) (Endpoint, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: expected network:address", s)
	}
	e := Endpoint{Network: parts[0], Address: parts[1]}
	if e.Network != "unix" && e.Network != "tcp" {
		return Endpoint{}, fmt.Errorf("unsupported network %q (want unix or tcp)", e.Network)
	}
	return e, nil
}

// LineReader reads newline-delimited requests.
type LineReader struct {
	sc *bufio.Scanner
}

// NewLineReader wraps r. Lines longer than MaxMessageSize fail the scan.
func NewLineReader(r io.Reader) *LineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	return &LineReader{sc: sc}
}

// Next returns the next non-blank line. It returns io.EOF at end of input.
func (lr *LineReader) Next() ([]byte, error) {
	for lr.sc.Scan() {
		line := bytes.TrimSpace(lr.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := lr.sc.Err(); err != nil {
		return nil, fmt.Errorf("read line: %w", err)
	}
	return nil, io.EOF
}

// WriteLine writes v as a single JSON line.
func WriteLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", len(data), MaxMessageSize)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}
