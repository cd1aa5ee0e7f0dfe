package server

import (
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestRecovery_NoPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d, want 200", ctx.Response.StatusCode())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("status = %d, want 500", ctx.Response.StatusCode())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}
	if body := string(ctx.Response.Body()); !strings.Contains(body, "internal server error") {
		t.Errorf("body %q should contain 'internal server error'", body)
	}
}

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue("request_id").(string)
		if id == "" {
			t.Error("request_id should be generated")
		}
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if respID := string(ctx.Response.Header.Peek("X-Request-ID")); respID == "" {
		t.Error("X-Request-ID response header should be set")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		if id, _ := ctx.UserValue("request_id").(string); id != "custom-id-123" {
			t.Errorf("request_id = %q, want custom-id-123", id)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "custom-id-123")
	handler(ctx)

	if respID := string(ctx.Response.Header.Peek("X-Request-ID")); respID != "custom-id-123" {
		t.Errorf("X-Request-ID = %q, want custom-id-123", respID)
	}
}

func TestTiming_SetsHeader(t *testing.T) {
	handler := timing(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if rt := string(ctx.Response.Header.Peek("X-Response-Time")); rt == "" {
		t.Error("X-Response-Time header should be set")
	}
}

func TestOwnerIdentity_HeaderWins(t *testing.T) {
	handler := ownerIdentity(func(ctx *fasthttp.RequestCtx) {
		if got := ownerOf(ctx); got != "team-42" {
			t.Errorf("owner = %q, want team-42", got)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Owner-ID", "team-42")
	ctx.Request.Header.Set("Authorization", "Bearer sk-something")
	handler(ctx)
}

func TestOwnerIdentity_BearerHashIsStable(t *testing.T) {
	var first, second string
	capture := func(dst *string) fasthttp.RequestHandler {
		return ownerIdentity(func(ctx *fasthttp.RequestCtx) { *dst = ownerOf(ctx) })
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer sk-test-key")
	capture(&first)(ctx)

	ctx2 := &fasthttp.RequestCtx{}
	ctx2.Request.Header.Set("Authorization", "Bearer sk-test-key")
	capture(&second)(ctx2)

	if !strings.HasPrefix(first, "key-") {
		t.Errorf("owner %q should carry the key- prefix", first)
	}
	if first != second {
		t.Errorf("same key mapped to different owners: %q vs %q", first, second)
	}

	ctx3 := &fasthttp.RequestCtx{}
	ctx3.Request.Header.Set("Authorization", "Bearer sk-other-key")
	var third string
	capture(&third)(ctx3)
	if third == first {
		t.Error("different keys should map to different owners")
	}
}

func TestOwnerIdentity_AnonymousFallback(t *testing.T) {
	handler := ownerIdentity(func(ctx *fasthttp.RequestCtx) {
		if got := ownerOf(ctx); got != "anonymous" {
			t.Errorf("owner = %q, want anonymous", got)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	// A malformed Authorization header also collapses to anonymous.
	ctx2 := &fasthttp.RequestCtx{}
	ctx2.Request.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	handler(ctx2)
}

func TestSecurityHeaders_AllSet(t *testing.T) {
	handler := securityHeaders(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Content-Security-Policy":   "default-src 'none'",
		"Referrer-Policy":           "no-referrer",
	}
	for header, want := range expected {
		if got := string(ctx.Response.Header.Peek(header)); got != want {
			t.Errorf("header %s = %q, want %q", header, got, want)
		}
	}
}

func TestCORS_Wildcard(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	handler(ctx)

	if origin := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); origin != "*" {
		t.Errorf("allow-origin = %q, want *", origin)
	}
}

func TestCORS_SpecificOrigins(t *testing.T) {
	origins := []string{"https://app.example.com", "https://dash.example.com"}
	handler := corsHandler(origins)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	handler(ctx)

	got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin"))
	want := "https://app.example.com, https://dash.example.com"
	if got != want {
		t.Errorf("allow-origin = %q, want %q", got, want)
	}
}

func TestCORS_PreflightReturns204(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("should not be reached")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("OPTIONS")
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Body()) != 0 {
		t.Error("preflight should have an empty body")
	}
}

func TestCORS_AllowedHeadersIncludeOwner(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	handler(ctx)

	allow := string(ctx.Response.Header.Peek("Access-Control-Allow-Headers"))
	for _, h := range []string{"Authorization", "Content-Type", "X-Request-ID", "X-Owner-ID"} {
		if !strings.Contains(allow, h) {
			t.Errorf("allow-headers %q should include %s", allow, h)
		}
	}
}

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string

	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name+"-before")
				next(ctx)
				order = append(order, name+"-after")
			}
		}
	}

	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw("mw1"), mw("mw2"))

	handler(&fasthttp.RequestCtx{})

	// mw1 is outermost, mw2 inner.
	want := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(want) {
		t.Fatalf("call order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestParseBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer sk-123", "sk-123"},
		{"bearer sk-123", "sk-123"},
		{"Bearer   sk-123  ", "sk-123"},
		{"Basic dXNlcg==", ""},
		{"Bearer", ""},
		{"Bearer ", ""},
	}
	for _, tt := range tests {
		if got := parseBearerToken(tt.header); got != tt.want {
			t.Errorf("parseBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
