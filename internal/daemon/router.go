package daemon

import (
	"context"
	"fmt"

	"github.com/port42/port42/internal/protocol"
)

// route dispatches one request to its handler and flattens handler errors
// into the response envelope. Malformed and unknown requests are rejected
// here, before any side effect.
func (d *Daemon) route(ctx context.Context, req protocol.Request) protocol.Response {
	d.stats.RecordRequest(req.Type)

	var (
		resp protocol.Response
		err  error
	)
	switch req.Type {
	case protocol.RequestPossess:
		resp, err = d.handlePossess(ctx, req)
	case protocol.RequestStatus:
		resp, err = d.handleStatus(req)
	case protocol.RequestList:
		resp, err = d.handleList(req)
	case protocol.RequestMemory:
		resp, err = d.handleMemory(req)
	case protocol.RequestEnd:
		resp, err = d.handleEnd(req)
	case protocol.RequestListPath:
		resp, err = d.handleListPath(req)
	case protocol.RequestReadPath:
		resp, err = d.handleReadPath(req)
	case protocol.RequestGetMetadata:
		resp, err = d.handleGetMetadata(req)
	case protocol.RequestSearch:
		resp, err = d.handleSearch(req)
	case protocol.RequestPing:
		resp = protocol.NewResponse(req.ID, true)
	default:
		err = fmt.Errorf("%w: %q", protocol.ErrUnknownRequestType, req.Type)
	}

	if err != nil {
		d.logger.Warn("request failed", "type", req.Type, "id", req.ID, "error", err)
		return protocol.NewErrorResponse(req.ID, err.Error())
	}
	return resp
}
