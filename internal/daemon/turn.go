package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/port42/port42/internal/agent"
	"github.com/port42/port42/internal/protocol"
	"github.com/port42/port42/internal/rules"
	"github.com/port42/port42/internal/session"
	"github.com/port42/port42/internal/telemetry"
)

// handlePossess runs one conversation turn. The whole sequence, append user
// message, invoke backend, append reply, persist, runs under the session's
// turn lock; turns on different sessions proceed in parallel.
func (d *Daemon) handlePossess(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var payload protocol.PossessPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return protocol.Response{}, fmt.Errorf("%w: bad possess payload: %v", protocol.ErrMalformedRequest, err)
	}
	if payload.Agent == "" || payload.Message == "" {
		return protocol.Response{}, fmt.Errorf("%w: possess requires agent and message", protocol.ErrMalformedRequest)
	}

	persona, err := d.agents.Lookup(payload.Agent)
	if err != nil {
		return protocol.Response{}, err
	}

	id := payload.SessionID
	if id == "" {
		id = req.ID
	}
	logger := telemetry.RequestLogger(d.logger, ctx, persona.Name, id)

	h := d.registry.Acquire(id)
	defer h.Release()

	work, fresh, err := d.turnSession(h, id, persona)
	if err != nil {
		return protocol.Response{}, err
	}
	if fresh {
		d.stats.RecordSessionCreated()
	}

	// A continuing session keeps its established agent even when the caller
	// names a different one. If a reload removed the established persona,
	// the requested one takes the session over.
	if work.Agent != persona.Name {
		if established, err := d.agents.Lookup(work.Agent); err == nil {
			logger.Warn("agent mismatch on continuing session, keeping established agent",
				"established", work.Agent, "requested", persona.Name)
			persona = established
		} else {
			logger.Warn("established agent no longer defined, adopting requested agent",
				"established", work.Agent, "requested", persona.Name)
			work.Agent = persona.Name
		}
		logger = telemetry.RequestLogger(d.logger, ctx, persona.Name, id)
	}

	// A retried turn after a backend failure must not duplicate the user
	// message: the dangling tail from the failed attempt is reused.
	if tail, dangling := work.DanglingUserTail(); !dangling || tail != payload.Message {
		work.Append("user", payload.Message)
	}

	// Write-ahead: the user message is durable before the backend runs, so
	// a crash mid-turn never loses what the caller said.
	if err := d.store.Save(work); err != nil {
		return protocol.Response{}, fmt.Errorf("%w: %v", protocol.ErrPersistenceFailure, err)
	}
	durable := work.Clone()
	h.Set(durable)

	start := time.Now()
	reply, err := d.dispatch.Generate(ctx, persona, work.Messages)
	if err != nil {
		// The user message stays recorded; no agent reply is appended.
		d.stats.RecordTurn(persona.Name, "error", time.Since(start))
		return protocol.Response{}, err
	}

	work.Append("agent", reply.Content)

	data := protocol.PossessData{
		SessionID: id,
		Agent:     persona.Name,
		Message:   reply.Content,
	}
	var commandName, commandLanguage string

	if spec, ok := d.detector.Detect(reply, agent.CommandToolName); ok {
		path, err := d.commands.Materialize(spec)
		if err != nil {
			// Validation failures never fail the turn.
			logger.Warn("artifact materialization failed", "command", spec.Name, "error", err)
		} else {
			work.CommandGenerated = &session.CommandInfo{
				Name:      spec.Name,
				Path:      path,
				CreatedAt: time.Now(),
			}
			d.stats.RecordCommandGenerated()
			data.CommandGenerated = true
			commandName = spec.Name
			commandLanguage = spec.Language
			data.CommandSpec = &protocol.CommandSpecData{
				Name:         spec.Name,
				Description:  spec.Description,
				Language:     spec.Language,
				Dependencies: spec.Dependencies,
			}
		}
	}

	if err := d.store.Save(work); err != nil {
		// Roll back to the last durable state so memory never claims more
		// than disk holds.
		h.Set(durable)
		d.stats.RecordTurn(persona.Name, "error", time.Since(start))
		return protocol.Response{}, fmt.Errorf("%w: %v", protocol.ErrPersistenceFailure, err)
	}
	h.Set(work)

	d.hooks.Evaluate(rules.Facts{
		Agent:            persona.Name,
		SessionID:        id,
		CommandGenerated: data.CommandGenerated,
		CommandName:      commandName,
		Language:         commandLanguage,
		MessageCount:     len(work.Messages),
	})
	d.stats.RecordTurn(persona.Name, "ok", time.Since(start))
	logger.Info("turn completed",
		"messages", len(work.Messages), "command_generated", data.CommandGenerated)

	resp := protocol.NewResponse(req.ID, true)
	if err := resp.SetData(data); err != nil {
		return protocol.Response{}, err
	}
	return resp, nil
}

// turnSession resolves the session a turn operates on: the live one, a
// journal recovered from disk, or a fresh session. Ended sessions are
// terminal; possessing an ended id starts over under a new journal object.
func (d *Daemon) turnSession(h *session.Handle, id string, persona agent.Persona) (*session.Session, bool, error) {
	sess := h.Session()

	if sess == nil {
		loaded, err := d.store.Load(id)
		switch {
		case err == nil:
			sess = loaded
		case errors.Is(err, session.ErrNotFound):
			// First contact on this id.
		default:
			return nil, false, fmt.Errorf("%w: %v", protocol.ErrPersistenceFailure, err)
		}
	}

	if sess == nil || sess.State == session.StateEnded {
		return session.New(id, persona.Name), true, nil
	}

	return sess.Clone(), false, nil
}
