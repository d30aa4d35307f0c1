package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/port42/port42/internal/protocol"
	"github.com/port42/port42/internal/session"
)

func (d *Daemon) handleStatus(req protocol.Request) (protocol.Response, error) {
	resp := protocol.NewResponse(req.ID, true)
	err := resp.SetData(protocol.StatusData{
		Status:   "swimming",
		Port:     d.port,
		Sessions: d.registry.ActiveCount(),
		Uptime:   d.stats.Uptime().Round(time.Second).String(),
		Dolphins: "🐬🐬🐬 laughing in the digital waves",
	})
	return resp, err
}

func (d *Daemon) handleList(req protocol.Request) (protocol.Response, error) {
	names, err := d.commands.List()
	if err != nil {
		return protocol.Response{}, err
	}
	if names == nil {
		names = []string{}
	}
	resp := protocol.NewResponse(req.ID, true)
	err = resp.SetData(protocol.ListData{Commands: names})
	return resp, err
}

func (d *Daemon) handleMemory(req protocol.Request) (protocol.Response, error) {
	var payload protocol.MemoryPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return protocol.Response{}, fmt.Errorf("%w: bad memory payload: %v", protocol.ErrMalformedRequest, err)
		}
	}

	if payload.SessionID != "" {
		return d.handleMemoryShow(req, payload.SessionID)
	}

	active := make([]session.Summary, 0)
	for _, sess := range d.registry.Snapshot() {
		active = append(active, sess.Summarize())
	}

	resp := protocol.NewResponse(req.ID, true)
	err := resp.SetData(protocol.MemoryData{
		ActiveSessions: active,
		ActiveCount:    d.registry.ActiveCount(),
		RecentSessions: d.store.Recent(10),
		Stats: protocol.MemoryStats{
			TotalSessions:     int64(d.store.Count()),
			CommandsGenerated: d.stats.CommandsGenerated(),
		},
		Uptime: d.stats.Uptime().Round(time.Second).String(),
	})
	return resp, err
}

// handleMemoryShow returns one session in full, hydrating it from disk when
// it is no longer live in memory.
func (d *Daemon) handleMemoryShow(req protocol.Request, id string) (protocol.Response, error) {
	sess, ok := d.registry.Peek(id)
	if !ok {
		loaded, err := d.store.Load(id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return protocol.Response{}, fmt.Errorf("session not found: %s", id)
			}
			return protocol.Response{}, fmt.Errorf("%w: %v", protocol.ErrPersistenceFailure, err)
		}
		sess = loaded
	}

	resp := protocol.NewResponse(req.ID, true)
	err := resp.SetData(sess)
	return resp, err
}

// handleEnd closes a session. Unknown ids succeed: end is idempotent.
func (d *Daemon) handleEnd(req protocol.Request) (protocol.Response, error) {
	h := d.registry.Acquire(req.ID)
	defer h.Release()

	sess := h.Session()
	if sess == nil {
		// The session may have been swept to disk; close it there too.
		if loaded, err := d.store.Load(req.ID); err == nil && loaded.State == session.StateActive {
			loaded.State = session.StateEnded
			if err := d.store.Save(loaded); err != nil {
				return protocol.Response{}, fmt.Errorf("%w: %v", protocol.ErrPersistenceFailure, err)
			}
		}
		resp := protocol.NewResponse(req.ID, true)
		err := resp.SetData(protocol.EndData{Message: "Session crystallized. The dolphins remember..."})
		return resp, err
	}

	work := sess.Clone()
	work.State = session.StateEnded
	if err := d.store.Save(work); err != nil {
		return protocol.Response{}, fmt.Errorf("%w: %v", protocol.ErrPersistenceFailure, err)
	}
	h.Set(nil)

	d.logger.Info("session ended", "session", req.ID, "messages", len(work.Messages))
	resp := protocol.NewResponse(req.ID, true)
	err := resp.SetData(protocol.EndData{Message: "Session crystallized. The dolphins remember..."})
	return resp, err
}
