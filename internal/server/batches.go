package server

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/relaypoint/model-gateway/internal/batch"
	"github.com/relaypoint/model-gateway/internal/upstream"
	"github.com/relaypoint/model-gateway/pkg/apierr"
)

type createBatchBody struct {
	Requests    []*upstream.ModelRequest `json:"requests"`
	Priority    batch.Priority           `json:"priority,omitempty"`
	CallbackURL string                   `json:"callback_url,omitempty"`
	Metadata    map[string]string        `json:"metadata,omitempty"`
}

// createBatchResponse pairs the accepted batch with the children rejected at
// intake, keyed by their original indices.
type createBatchResponse struct {
	Batch           *batch.Batch           `json:"batch"`
	InvalidRequests []batch.InvalidRequest `json:"invalid_requests,omitempty"`
}

func (s *Server) handleBatchCreate(ctx *fasthttp.RequestCtx) {
	var body createBatchBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.WriteError(ctx, apierr.Newf(apierr.KindInvalidRequest, "invalid JSON: %s", err))
		return
	}
	b, invalid, err := s.batches.CreateBatch(ownerOf(ctx), body.Requests, batch.CreateOptions{
		Priority:    body.Priority,
		CallbackURL: body.CallbackURL,
		Metadata:    body.Metadata,
	})
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSONStatus(ctx, fasthttp.StatusCreated, createBatchResponse{Batch: b, InvalidRequests: invalid})
}

func (s *Server) handleBatchList(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, listEnvelope{Object: "list", Data: s.batches.ListBatches(ownerOf(ctx))})
}

func (s *Server) handleBatchGet(ctx *fasthttp.RequestCtx) {
	b, err := s.batches.GetBatch(param(ctx, "id"), ownerOf(ctx))
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, b)
}

func (s *Server) handleBatchCancel(ctx *fasthttp.RequestCtx) {
	b, err := s.batches.CancelBatch(param(ctx, "id"), ownerOf(ctx))
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, b)
}
