package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relaypoint/model-gateway/internal/analytics"
	"github.com/relaypoint/model-gateway/pkg/apierr"
)

// usageFilter builds a query filter from the URL. The owner always comes
// from the caller identity: usage queries never cross owners.
func usageFilter(ctx *fasthttp.RequestCtx) (analytics.QueryFilter, error) {
	f := analytics.QueryFilter{Owner: ownerOf(ctx)}
	args := ctx.QueryArgs()

	if v := string(args.Peek("start")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, apierr.Newf(apierr.KindInvalidRequest, "invalid 'start': %s", err)
		}
		f.Start = t
	}
	if v := string(args.Peek("end")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, apierr.Newf(apierr.KindInvalidRequest, "invalid 'end': %s", err)
		}
		f.End = t
	}
	if v := string(args.Peek("models")); v != "" {
		f.Models = strings.Split(v, ",")
	}
	f.EndpointID = string(args.Peek("endpoint_id"))

	if v := string(args.Peek("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, apierr.Newf(apierr.KindInvalidRequest, "invalid 'limit': %s", v)
		}
		f.Limit = n
	}
	if v := string(args.Peek("offset")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, apierr.Newf(apierr.KindInvalidRequest, "invalid 'offset': %s", v)
		}
		f.Offset = n
	}
	return f, nil
}

type usagePage struct {
	Object string                   `json:"object"`
	Data   []*analytics.UsageRecord `json:"data"`
	Total  int                      `json:"total"`
}

func (s *Server) handleUsageQuery(ctx *fasthttp.RequestCtx) {
	f, err := usageFilter(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	records, total := s.usage.QueryUsage(f)
	writeJSON(ctx, usagePage{Object: "list", Data: records, Total: total})
}

func (s *Server) handleUsageMetrics(ctx *fasthttp.RequestCtx) {
	f, err := usageFilter(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, s.usage.GetMetrics(f))
}
