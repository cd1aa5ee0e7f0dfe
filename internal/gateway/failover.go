package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaypoint/model-gateway/internal/catalog"
	"github.com/relaypoint/model-gateway/internal/upstream"
	"github.com/relaypoint/model-gateway/pkg/apierr"
)

// dispatch walks the candidates and returns the first successful completion
// together with the catalog entry that served it. Each attempt is bounded
// by the dispatch timeout.
func (s *Service) dispatch(ctx context.Context, owner string, req *upstream.ModelRequest, reqID string) (*upstream.Result, catalog.ModelInfo, error) {
	var result *upstream.Result
	info, err := s.walk(ctx, req, reqID, func(ad upstream.Adapter, info catalog.ModelInfo) error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		res, err := ad.Complete(callCtx, buildUpstream(req, info, owner, reqID))
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, info, err
}

// walk tries candidates in router order: probe health, then hand the
// adapter to try. Retryable failures move on to the next candidate; a 4xx
// rejection aborts the walk.
//
// The returned error carries the kind the caller should surface:
//
//   - NO_MODEL_AVAILABLE: every candidate failed its probe or a retryable
//     dispatch; the walk is exhausted.
//   - UPSTREAM_ERROR: a candidate rejected the request outright.
//   - CANCELLED / UPSTREAM_TIMEOUT: the request context ended mid-walk.
func (s *Service) walk(ctx context.Context, req *upstream.ModelRequest, reqID string, try func(upstream.Adapter, catalog.ModelInfo) error) (catalog.ModelInfo, error) {
	candidates, _, err := s.router.Candidates(req)
	if err != nil {
		return catalog.ModelInfo{}, err
	}

	var lastErr error
	attempts := 0

	for _, id := range candidates {
		if ctx.Err() != nil {
			break
		}

		// A failed probe removes the candidate for this request only.
		if !s.router.Healthy(ctx, id) {
			if s.metrics != nil {
				s.metrics.RecordProbeFailure(id)
			}
			slog.DebugContext(ctx, "candidate_unhealthy",
				slog.String("request_id", reqID),
				slog.String("model", id),
			)
			continue
		}

		ad, info, ok := s.router.Adapter(id)
		if !ok {
			continue // catalog entry without a configured adapter
		}

		start := time.Now()
		err := try(ad, info)
		dur := time.Since(start)
		attempts++

		if err == nil {
			if s.metrics != nil {
				s.metrics.ObserveUpstreamAttempt(id, "success", dur)
			}
			if fellBack(req.Model, id) {
				slog.InfoContext(ctx, "fallback_success",
					slog.String("request_id", reqID),
					slog.String("from", req.Model),
					slog.String("to", id),
					slog.Duration("latency", dur),
				)
			}
			return info, nil
		}

		reason := classifyError(err)
		if s.metrics != nil {
			s.metrics.ObserveUpstreamAttempt(id, reason, dur)
			s.metrics.RecordError(id, reason)
		}
		slog.WarnContext(ctx, "candidate_attempt_failed",
			slog.String("request_id", reqID),
			slog.String("model", id),
			slog.String("reason", reason),
			slog.Duration("latency", dur),
			slog.String("error", err.Error()),
		)
		lastErr = err

		// 4xx upstream rejections abort the walk: the request itself is the
		// problem, another model will not change the answer.
		if !isRetryable(err) {
			return catalog.ModelInfo{}, apierr.Wrap(apierr.KindUpstreamError, "upstream rejected the request", err)
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return catalog.ModelInfo{}, fmt.Errorf("gateway: %w", ctxErr)
	}
	if attempts == 0 {
		return catalog.ModelInfo{}, apierr.New(apierr.KindNoModelAvailable, "no healthy model available")
	}
	return catalog.ModelInfo{}, apierr.Wrap(apierr.KindNoModelAvailable,
		fmt.Sprintf("all candidates failed after %d attempt(s)", attempts), lastErr)
}

// isRetryable reports whether the next candidate should be tried.
//
//   - 5xx upstream errors → retryable (infrastructure failure)
//   - context.DeadlineExceeded → retryable (a different model may be faster)
//   - 4xx upstream errors → NOT retryable (bad request or auth, won't change)
//   - unknown errors → retryable (conservative default)
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc upstream.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	return true
}

// classifyError converts an error into the short category string used in
// log fields and metric labels.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc upstream.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
