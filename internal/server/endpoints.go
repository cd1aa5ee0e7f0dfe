package server

import (
	"encoding/json"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/relaypoint/model-gateway/internal/endpoint"
	"github.com/relaypoint/model-gateway/internal/webhook"
	"github.com/relaypoint/model-gateway/pkg/apierr"
)

// listEnvelope wraps collection responses in the OpenAI list shape.
type listEnvelope struct {
	Object string `json:"object"`
	Data   any    `json:"data"`
}

// emit fires a lifecycle event; failures are logged, never surfaced, so CRUD
// outcomes do not depend on webhook health.
func (s *Server) emit(ctx *fasthttp.RequestCtx, owner string, typ webhook.EventType, data map[string]any) {
	if s.hooks == nil {
		return
	}
	if _, err := s.hooks.TriggerEvent(ctx, owner, typ, data); err != nil {
		slog.WarnContext(ctx, "event_emit_failed",
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) handleEndpointCreate(ctx *fasthttp.RequestCtx) {
	var p endpoint.CreateParams
	if err := json.Unmarshal(ctx.PostBody(), &p); err != nil {
		apierr.WriteError(ctx, apierr.Newf(apierr.KindInvalidRequest, "invalid JSON: %s", err))
		return
	}
	ep, err := s.endpoints.Create(ownerOf(ctx), p)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	s.emit(ctx, ep.Owner, webhook.EventEndpointCreated, map[string]any{
		"endpoint_id": ep.ID,
		"name":        ep.Name,
		"base_model":  ep.BaseModel,
	})
	writeJSONStatus(ctx, fasthttp.StatusCreated, ep)
}

func (s *Server) handleEndpointList(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, listEnvelope{Object: "list", Data: s.endpoints.List(ownerOf(ctx))})
}

func (s *Server) handleEndpointGet(ctx *fasthttp.RequestCtx) {
	ep, err := s.endpoints.Get(param(ctx, "id"), ownerOf(ctx))
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, ep)
}

func (s *Server) handleEndpointUpdate(ctx *fasthttp.RequestCtx) {
	var p endpoint.UpdateParams
	if err := json.Unmarshal(ctx.PostBody(), &p); err != nil {
		apierr.WriteError(ctx, apierr.Newf(apierr.KindInvalidRequest, "invalid JSON: %s", err))
		return
	}
	ep, err := s.endpoints.Update(param(ctx, "id"), ownerOf(ctx), p)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	s.emit(ctx, ep.Owner, webhook.EventEndpointUpdated, map[string]any{
		"endpoint_id": ep.ID,
		"name":        ep.Name,
		"base_model":  ep.BaseModel,
	})
	writeJSON(ctx, ep)
}

func (s *Server) handleEndpointDelete(ctx *fasthttp.RequestCtx) {
	id := param(ctx, "id")
	owner := ownerOf(ctx)
	if err := s.endpoints.Delete(id, owner); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	s.emit(ctx, owner, webhook.EventEndpointDeleted, map[string]any{"endpoint_id": id})
	writeJSON(ctx, map[string]any{"id": id, "object": "endpoint.deleted", "deleted": true})
}
