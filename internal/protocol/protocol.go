// Package protocol defines the line-delimited JSON wire contract spoken on
// the Port 42 socket: one request object per line, one response object per
// line, correlated by connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Request is the envelope for an incoming client request.
type Request struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the envelope for a daemon reply. The request id is echoed
// back; callers correlate by connection, so the echo is informational.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Request types understood by the daemon.
const (
	RequestPossess = "possess"
	RequestList    = "list"
	RequestStatus  = "status"
	RequestMemory  = "memory"
	RequestEnd     = "end"
	RequestPing    = "ping"

	// Virtual filesystem read surface over the daemon's durable stores.
	RequestListPath    = "list_path"
	RequestReadPath    = "read_path"
	RequestGetMetadata = "get_metadata"
	RequestSearch      = "search"
)

// Error taxonomy. Handlers wrap these sentinels; the router flattens them
// into the response error string.
var (
	ErrMalformedRequest   = errors.New("malformed request")
	ErrUnknownRequestType = errors.New("unknown request type")
	ErrUnknownAgent       = errors.New("unknown agent")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrFrameTooLarge is terminal for the connection: the decoder cannot
	// resynchronize on a stream whose frame boundary was never found.
	ErrFrameTooLarge = errors.New("frame too large")
)

// PossessPayload carries one conversation turn. SessionID overrides the
// request id as the session key when set.
type PossessPayload struct {
	Agent     string `json:"agent"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// MemoryPayload optionally narrows a memory request to one session.
type MemoryPayload struct {
	SessionID string `json:"session_id,omitempty"`
}

// StatusData is the data object of a status response.
type StatusData struct {
	Status   string `json:"status"`
	Port     string `json:"port"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
	Dolphins string `json:"dolphins"`
}

// ListData is the data object of a list response.
type ListData struct {
	Commands []string `json:"commands"`
}

// CommandSpecData is the trimmed command spec echoed to the caller after a
// turn materializes an artifact. The body stays on disk.
type CommandSpecData struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Language     string   `json:"language"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// MemoryStats is the process-wide counters block of a memory response.
type MemoryStats struct {
	TotalSessions     int64 `json:"total_sessions"`
	CommandsGenerated int64 `json:"commands_generated"`
}

// MemoryData is the data object of a memory overview response. The session
// lists carry whatever summary shape the daemon's session package produces.
type MemoryData struct {
	ActiveSessions interface{} `json:"active_sessions"`
	ActiveCount    int         `json:"active_count"`
	RecentSessions interface{} `json:"recent_sessions"`
	Stats          MemoryStats `json:"stats"`
	Uptime         string      `json:"uptime"`
}

// PathPayload names one virtual path. An empty path means the root.
type PathPayload struct {
	Path string `json:"path"`
}

// SearchFilters narrows a search to one slice of the virtual filesystem.
type SearchFilters struct {
	Type  string `json:"type,omitempty"` // "command" or "session"
	Agent string `json:"agent,omitempty"`
}

// SearchPayload carries a search query over the virtual filesystem.
type SearchPayload struct {
	Query   string        `json:"query"`
	Filters SearchFilters `json:"filters,omitempty"`
}

// PathEntry is one row of a virtual directory listing.
type PathEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Type  string `json:"type"` // "directory", "command", "session"
	Size  int64  `json:"size,omitempty"`
	Agent string `json:"agent,omitempty"`
	State string `json:"state,omitempty"`
}

// ListPathData is the data object of a list_path response.
type ListPathData struct {
	Path    string      `json:"path"`
	Entries []PathEntry `json:"entries"`
}

// PathMetadataData is the enriched metadata view of one virtual path.
type PathMetadataData struct {
	Path         string    `json:"path"`
	ObjectID     string    `json:"object_id,omitempty"`
	Type         string    `json:"type"`
	Agent        string    `json:"agent,omitempty"`
	State        string    `json:"state,omitempty"`
	Created      time.Time `json:"created"`
	Modified     time.Time `json:"modified"`
	Size         int64     `json:"size"`
	MessageCount int       `json:"message_count,omitempty"`
	Live         bool      `json:"live,omitempty"`
}

// ReadPathData carries one object's content. Content is base64 encoded so
// the frame stays valid JSON regardless of what the object holds.
type ReadPathData struct {
	Path     string            `json:"path"`
	Content  string            `json:"content"`
	Size     int64             `json:"size"`
	Metadata *PathMetadataData `json:"metadata,omitempty"`
}

// SearchResult is one hit of a search response.
type SearchResult struct {
	Path    string `json:"path"`
	Type    string `json:"type"`
	Agent   string `json:"agent,omitempty"`
	Snippet string `json:"snippet"`
}

// SearchData is the data object of a search response.
type SearchData struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Count   int            `json:"count"`
}

// EndData is the data object of an end response.
type EndData struct {
	Message string `json:"message"`
}

// PossessData is the data object of a successful possess turn.
type PossessData struct {
	SessionID        string           `json:"session_id"`
	Agent            string           `json:"agent"`
	Message          string           `json:"message"`
	CommandGenerated bool             `json:"command_generated"`
	CommandSpec      *CommandSpecData `json:"command_spec,omitempty"`
}

// Validate checks the envelope fields required of every request.
func (r *Request) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedRequest)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedRequest)
	}
	return nil
}

// NewResponse creates a response envelope for the given request id.
func NewResponse(id string, success bool) Response {
	return Response{ID: id, Success: success}
}

// NewErrorResponse creates a failed response carrying an error string.
func NewErrorResponse(id, errMsg string) Response {
	return Response{ID: id, Success: false, Error: errMsg}
}

// SetData marshals v into the response data field.
func (r *Response) SetData(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.Data = data
	return nil
}

// SetError marks the response failed with the given message.
func (r *Response) SetError(msg string) {
	r.Success = false
	r.Error = msg
}
