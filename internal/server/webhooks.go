package server

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/relaypoint/model-gateway/internal/webhook"
	"github.com/relaypoint/model-gateway/pkg/apierr"
)

func (s *Server) handleWebhookCreate(ctx *fasthttp.RequestCtx) {
	var p webhook.CreateParams
	if err := json.Unmarshal(ctx.PostBody(), &p); err != nil {
		apierr.WriteError(ctx, apierr.Newf(apierr.KindInvalidRequest, "invalid JSON: %s", err))
		return
	}
	wh, err := s.webhooks.Create(ownerOf(ctx), p)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSONStatus(ctx, fasthttp.StatusCreated, wh)
}

func (s *Server) handleWebhookList(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, listEnvelope{Object: "list", Data: s.webhooks.List(ownerOf(ctx))})
}

func (s *Server) handleWebhookGet(ctx *fasthttp.RequestCtx) {
	wh, err := s.webhooks.Get(param(ctx, "id"), ownerOf(ctx))
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, wh)
}

func (s *Server) handleWebhookUpdate(ctx *fasthttp.RequestCtx) {
	var p webhook.UpdateParams
	if err := json.Unmarshal(ctx.PostBody(), &p); err != nil {
		apierr.WriteError(ctx, apierr.Newf(apierr.KindInvalidRequest, "invalid JSON: %s", err))
		return
	}
	wh, err := s.webhooks.Update(param(ctx, "id"), ownerOf(ctx), p)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, wh)
}

func (s *Server) handleWebhookDelete(ctx *fasthttp.RequestCtx) {
	id := param(ctx, "id")
	if err := s.webhooks.Delete(id, ownerOf(ctx)); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"id": id, "object": "webhook.deleted", "deleted": true})
}

func (s *Server) handleDeliveryList(ctx *fasthttp.RequestCtx) {
	dels, err := s.hooks.Deliveries(param(ctx, "id"), ownerOf(ctx))
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, listEnvelope{Object: "list", Data: dels})
}

func (s *Server) handleDeliveryRetry(ctx *fasthttp.RequestCtx) {
	del, err := s.hooks.RetryDelivery(param(ctx, "id"), ownerOf(ctx))
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, del)
}

func (s *Server) handleEventList(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, listEnvelope{Object: "list", Data: s.hooks.Events(ownerOf(ctx))})
}
