package daemon

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/port42/port42/internal/agent"
	"github.com/port42/port42/internal/protocol"
	"github.com/port42/port42/internal/session"
)

// The virtual filesystem projects the daemon's two durable stores as one
// browsable tree:
//
//	/commands/<name>   materialized command scripts
//	/memory/<id>       session journals, live state preferred over disk
//
// The surface is read-only; the turn pipeline stays the only writer.

// handleListPath lists one virtual directory. An empty path lists the root.
func (d *Daemon) handleListPath(req protocol.Request) (protocol.Response, error) {
	var payload protocol.PathPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return protocol.Response{}, fmt.Errorf("%w: bad path payload: %v", protocol.ErrMalformedRequest, err)
		}
	}
	path := cleanVirtualPath(payload.Path)

	entries := []protocol.PathEntry{}
	switch path {
	case "/":
		entries = append(entries,
			protocol.PathEntry{Name: "commands", Path: "/commands", Type: "directory"},
			protocol.PathEntry{Name: "memory", Path: "/memory", Type: "directory"},
		)

	case "/commands":
		names, err := d.commands.List()
		if err != nil {
			return protocol.Response{}, err
		}
		for _, name := range names {
			entry := protocol.PathEntry{Name: name, Path: "/commands/" + name, Type: "command"}
			if info, err := d.commands.Stat(name); err == nil {
				entry.Size = info.Size()
			}
			entries = append(entries, entry)
		}

	case "/memory":
		for _, sum := range d.sessionIndex() {
			entries = append(entries, protocol.PathEntry{
				Name:  sum.ID,
				Path:  "/memory/" + sum.ID,
				Type:  "session",
				Agent: sum.Agent,
				State: string(sum.State),
			})
		}

	default:
		return protocol.Response{}, fmt.Errorf("path not found: %s", path)
	}

	resp := protocol.NewResponse(req.ID, true)
	err := resp.SetData(protocol.ListPathData{Path: path, Entries: entries})
	return resp, err
}

// handleReadPath returns one object's content with its metadata.
func (d *Daemon) handleReadPath(req protocol.Request) (protocol.Response, error) {
	path, dir, name, err := objectPath(req.Payload)
	if err != nil {
		return protocol.Response{}, err
	}

	var (
		content []byte
		meta    *protocol.PathMetadataData
	)
	switch dir {
	case "commands":
		content, err = d.commands.Read(name)
		if err != nil {
			return protocol.Response{}, fmt.Errorf("path not found: %s", path)
		}
		meta, err = d.commandMetadata(name)
		if err != nil {
			return protocol.Response{}, err
		}

	case "memory":
		sess, live, err := d.sessionView(name)
		if err != nil {
			return protocol.Response{}, err
		}
		content, err = json.MarshalIndent(sess, "", "  ")
		if err != nil {
			return protocol.Response{}, fmt.Errorf("encode session %s: %w", name, err)
		}
		meta = sessionMetadata(sess, live, int64(len(content)))

	default:
		return protocol.Response{}, fmt.Errorf("path not found: %s", path)
	}

	resp := protocol.NewResponse(req.ID, true)
	err = resp.SetData(protocol.ReadPathData{
		Path:     path,
		Content:  base64.StdEncoding.EncodeToString(content),
		Size:     int64(len(content)),
		Metadata: meta,
	})
	return resp, err
}

// handleGetMetadata returns metadata for one virtual path without the
// content itself.
func (d *Daemon) handleGetMetadata(req protocol.Request) (protocol.Response, error) {
	path, dir, name, err := objectPath(req.Payload)
	if err != nil {
		return protocol.Response{}, err
	}

	var meta *protocol.PathMetadataData
	switch dir {
	case "commands":
		meta, err = d.commandMetadata(name)
		if err != nil {
			return protocol.Response{}, err
		}

	case "memory":
		sess, live, err := d.sessionView(name)
		if err != nil {
			return protocol.Response{}, err
		}
		encoded, err := json.Marshal(sess)
		if err != nil {
			return protocol.Response{}, fmt.Errorf("encode session %s: %w", name, err)
		}
		meta = sessionMetadata(sess, live, int64(len(encoded)))

	default:
		return protocol.Response{}, fmt.Errorf("path not found: %s", path)
	}

	resp := protocol.NewResponse(req.ID, true)
	err = resp.SetData(meta)
	return resp, err
}

// handleSearch runs a case-insensitive substring search over command files
// and session message logs.
func (d *Daemon) handleSearch(req protocol.Request) (protocol.Response, error) {
	var payload protocol.SearchPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return protocol.Response{}, fmt.Errorf("%w: bad search payload: %v", protocol.ErrMalformedRequest, err)
	}
	if payload.Query == "" {
		return protocol.Response{}, fmt.Errorf("%w: search requires a query", protocol.ErrMalformedRequest)
	}

	query := strings.ToLower(payload.Query)
	results := []protocol.SearchResult{}

	if payload.Filters.Type == "" || payload.Filters.Type == "command" {
		names, err := d.commands.List()
		if err != nil {
			return protocol.Response{}, err
		}
		for _, name := range names {
			data, err := d.commands.Read(name)
			if err != nil {
				continue
			}
			body := string(data)
			if !strings.Contains(strings.ToLower(name), query) &&
				!strings.Contains(strings.ToLower(body), query) {
				continue
			}
			results = append(results, protocol.SearchResult{
				Path:    "/commands/" + name,
				Type:    "command",
				Snippet: snippet(body, payload.Query),
			})
		}
	}

	if payload.Filters.Type == "" || payload.Filters.Type == "session" {
		for _, sum := range d.sessionIndex() {
			if payload.Filters.Agent != "" &&
				agent.Normalize(payload.Filters.Agent) != agent.Normalize(sum.Agent) {
				continue
			}
			sess, _, err := d.sessionView(sum.ID)
			if err != nil {
				continue
			}
			for _, msg := range sess.Messages {
				if strings.Contains(strings.ToLower(msg.Content), query) {
					results = append(results, protocol.SearchResult{
						Path:    "/memory/" + sess.ID,
						Type:    "session",
						Agent:   sess.Agent,
						Snippet: snippet(msg.Content, payload.Query),
					})
					break
				}
			}
		}
	}

	resp := protocol.NewResponse(req.ID, true)
	err := resp.SetData(protocol.SearchData{
		Query:   payload.Query,
		Results: results,
		Count:   len(results),
	})
	return resp, err
}

// sessionIndex merges the persistence index with live registry state, most
// recently active first. Live state wins where both know an id.
func (d *Daemon) sessionIndex() []session.Summary {
	merged := make(map[string]session.Summary)
	for _, sum := range d.store.Recent(0) {
		merged[sum.ID] = sum
	}
	for _, sess := range d.registry.Snapshot() {
		merged[sess.ID] = sess.Summarize()
	}

	out := make([]session.Summary, 0, len(merged))
	for _, sum := range merged {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out
}

// sessionView resolves a session for reading: the live published state if
// the registry has it, else the journal on disk.
func (d *Daemon) sessionView(id string) (*session.Session, bool, error) {
	if sess, ok := d.registry.Peek(id); ok {
		return sess, true, nil
	}
	sess, err := d.store.Load(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, false, fmt.Errorf("path not found: /memory/%s", id)
		}
		return nil, false, fmt.Errorf("%w: %v", protocol.ErrPersistenceFailure, err)
	}
	return sess, false, nil
}

func (d *Daemon) commandMetadata(name string) (*protocol.PathMetadataData, error) {
	info, err := d.commands.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("path not found: /commands/%s", name)
	}
	return &protocol.PathMetadataData{
		Path:     "/commands/" + name,
		Type:     "command",
		Created:  info.ModTime(),
		Modified: info.ModTime(),
		Size:     info.Size(),
	}, nil
}

func sessionMetadata(sess *session.Session, live bool, size int64) *protocol.PathMetadataData {
	return &protocol.PathMetadataData{
		Path:         "/memory/" + sess.ID,
		ObjectID:     sess.ObjectID,
		Type:         "session",
		Agent:        sess.Agent,
		State:        string(sess.State),
		Created:      sess.CreatedAt,
		Modified:     sess.LastActive,
		Size:         size,
		MessageCount: len(sess.Messages),
		Live:         live,
	}
}

// objectPath parses a payload naming one object (not a directory) and
// splits it into its top-level directory and object name.
func objectPath(raw json.RawMessage) (path, dir, name string, err error) {
	var payload protocol.PathPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", "", "", fmt.Errorf("%w: bad path payload: %v", protocol.ErrMalformedRequest, err)
	}
	path = cleanVirtualPath(payload.Path)

	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	if len(parts) != 2 || parts[1] == "" || strings.Contains(parts[1], "/") {
		return "", "", "", fmt.Errorf("not a readable object: %s", path)
	}
	return path, parts[0], parts[1], nil
}

func cleanVirtualPath(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// snippet trims a match down to its surrounding context for search results.
func snippet(text, query string) string {
	const window = 60

	idx := strings.Index(strings.ToLower(text), strings.ToLower(query))
	if idx < 0 {
		idx = 0
	}
	start := idx - window
	if start < 0 {
		start = 0
	}
	end := idx + len(query) + window
	if end > len(text) {
		end = len(text)
	}

	s := strings.Join(strings.Fields(text[start:end]), " ")
	if start > 0 {
		s = "..." + s
	}
	if end < len(text) {
		s += "..."
	}
	return s
}
