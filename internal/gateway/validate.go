package gateway

import (
	"github.com/relaypoint/model-gateway/internal/catalog"
	"github.com/relaypoint/model-gateway/internal/upstream"
	"github.com/relaypoint/model-gateway/pkg/apierr"
)

// Validate checks req against the catalog and the accepted parameter
// ranges. It is pure: no I/O, no mutation. Part of the batch Dispatcher
// contract.
func (s *Service) Validate(req *upstream.ModelRequest) error {
	return validateRequest(s.catalog, req)
}

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

func validateRequest(cat *catalog.Catalog, req *upstream.ModelRequest) error {
	if req == nil {
		return apierr.New(apierr.KindInvalidRequest, "request is required")
	}
	if req.Model == "" {
		return apierr.New(apierr.KindInvalidRequest, "model is required")
	}
	if req.Model != catalog.ModelAuto && !cat.Has(req.Model) {
		return apierr.Newf(apierr.KindInvalidRequest, "unknown model %q", req.Model)
	}
	if len(req.Messages) == 0 {
		return apierr.New(apierr.KindInvalidRequest, "messages must not be empty")
	}
	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			return apierr.Newf(apierr.KindInvalidRequest, "messages[%d]: unknown role %q", i, m.Role)
		}
	}
	if t := req.Temperature; t != nil && (*t < 0 || *t > 2) {
		return apierr.Newf(apierr.KindInvalidRequest, "temperature must be between 0 and 2, got %g", *t)
	}
	if p := req.TopP; p != nil && (*p < 0 || *p > 1) {
		return apierr.Newf(apierr.KindInvalidRequest, "top_p must be between 0 and 1, got %g", *p)
	}
	if p := req.FrequencyPenalty; p != nil && (*p < -2 || *p > 2) {
		return apierr.Newf(apierr.KindInvalidRequest, "frequency_penalty must be between -2 and 2, got %g", *p)
	}
	if p := req.PresencePenalty; p != nil && (*p < -2 || *p > 2) {
		return apierr.Newf(apierr.KindInvalidRequest, "presence_penalty must be between -2 and 2, got %g", *p)
	}
	if n := req.MaxTokens; n != nil && *n <= 0 {
		return apierr.Newf(apierr.KindInvalidRequest, "max_tokens must be positive, got %d", *n)
	}
	if !req.Route.Valid() {
		return apierr.Newf(apierr.KindInvalidRequest, "unknown route strategy %q", req.Route)
	}
	if rf := req.ResponseFormat; rf != nil && rf.Type != "" && rf.Type != "text" && rf.Type != "json_object" {
		return apierr.Newf(apierr.KindInvalidRequest, "response_format.type must be %q or %q", "text", "json_object")
	}
	return nil
}
