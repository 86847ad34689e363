package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/geniustep/hookbridge"
)

var ctx = context.Background()

func newSub(url string) *hookbridge.Subscriber {
	return &hookbridge.Subscriber{
		ID:          1,
		Name:        "test-endpoint",
		EndpointURL: url,
		Auth:        hookbridge.AuthNone,
		TimeoutSecs: 5,
		Enabled:     true,
	}
}

func TestDeliverSuccess(t *testing.T) {
	var gotMethod, gotCT, gotUA string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotCT = r.Header.Get("Content-Type")
		gotUA = r.Header.Get("User-Agent")
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(hookbridge.Options{})
	out := c.Deliver(ctx, newSub(srv.URL), map[string]any{"event_id": 7, "model": "sale.order"})

	if !out.Success || out.StatusCode != 200 {
		t.Errorf("delivery should succeed: %+v", out)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("got method %s, want POST", gotMethod)
	}
	if gotCT != "application/json" {
		t.Errorf("got content type %q", gotCT)
	}
	if !strings.HasPrefix(gotUA, "HookBridge-Webhook/") {
		t.Errorf("got user agent %q", gotUA)
	}
	if gotBody["model"] != "sale.order" {
		t.Errorf("payload not delivered intact: %v", gotBody)
	}
	if out.BodySummary != `{"ok":true}` {
		t.Errorf("got body summary %q", out.BodySummary)
	}
	if out.DeliveryError() != nil {
		t.Error("success must map to a nil delivery error")
	}
}

func TestAuthMaterialization(t *testing.T) {
	var gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-Webhook-Key")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := NewClient(hookbridge.Options{})

	basic := newSub(srv.URL)
	basic.Auth = hookbridge.AuthBasic
	basic.Username = "alice"
	basic.Password = "s3cret"
	c.Deliver(ctx, basic, map[string]any{})
	// base64("alice:s3cret")
	if gotAuth != "Basic YWxpY2U6czNjcmV0" {
		t.Errorf("got basic auth header %q", gotAuth)
	}

	bearer := newSub(srv.URL)
	bearer.Auth = hookbridge.AuthBearer
	bearer.Token = "tok123"
	c.Deliver(ctx, bearer, map[string]any{})
	if gotAuth != "Bearer tok123" {
		t.Errorf("got bearer header %q", gotAuth)
	}

	keyed := newSub(srv.URL)
	keyed.Auth = hookbridge.AuthAPIKey
	keyed.APIKey = "k-42"
	keyed.APIKeyHeader = "X-Webhook-Key"
	c.Deliver(ctx, keyed, map[string]any{})
	if gotKey != "k-42" {
		t.Errorf("got api key header %q", gotKey)
	}
}

func TestCustomHeadersCannotOverrideReserved(t *testing.T) {
	var gotCT, gotAuth, gotExtra string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		gotExtra = r.Header.Get("X-Request-Source")
		w.WriteHeader(200)
	}))
	defer srv.Close()

	sub := newSub(srv.URL)
	sub.Auth = hookbridge.AuthBearer
	sub.Token = "real"
	sub.CustomHeaders = map[string]string{
		"content-type":     "text/plain",
		"AUTHORIZATION":    "Bearer forged",
		"X-Request-Source": "erp",
	}

	NewClient(hookbridge.Options{}).Deliver(ctx, sub, map[string]any{})

	if gotCT != "application/json" {
		t.Errorf("content type overridden: %q", gotCT)
	}
	if gotAuth != "Bearer real" {
		t.Errorf("authorization overridden: %q", gotAuth)
	}
	if gotExtra != "erp" {
		t.Errorf("benign custom header lost: %q", gotExtra)
	}
}

func TestHTTPFailureKinds(t *testing.T) {
	status := 404
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	c := NewClient(hookbridge.Options{})

	out := c.Deliver(ctx, newSub(srv.URL), map[string]any{})
	if out.Success || out.Kind != KindHTTP4xx || out.StatusCode != 404 {
		t.Errorf("got %+v, want http_4xx", out)
	}
	derr := out.DeliveryError()
	if derr == nil || derr.Kind != KindHTTP4xx || derr.Code != 404 || derr.Message != "nope" {
		t.Errorf("delivery error mapping wrong: %+v", derr)
	}

	status = 503
	out = c.Deliver(ctx, newSub(srv.URL), map[string]any{})
	if out.Kind != KindHTTP5xx || out.StatusCode != 503 {
		t.Errorf("got %+v, want http_5xx", out)
	}
}

func TestBodySummaryCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		w.Write([]byte(strings.Repeat("x", 2000)))
	}))
	defer srv.Close()

	out := NewClient(hookbridge.Options{}).Deliver(ctx, newSub(srv.URL), map[string]any{})
	if len(out.BodySummary) != 500 {
		t.Errorf("got %d bytes of summary, want cap at 500", len(out.BodySummary))
	}
}

func TestTimeoutKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	out := NewClient(hookbridge.Options{}).Deliver(tctx, newSub(srv.URL), map[string]any{})

	if out.Success || out.Kind != KindTimeout {
		t.Errorf("got kind %q err %v, want timeout", out.Kind, out.Err)
	}
}

func TestConnectionErrorKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	out := NewClient(hookbridge.Options{}).Deliver(ctx, newSub(url), map[string]any{})
	if out.Success || out.Kind != KindConnection {
		t.Errorf("got kind %q err %v, want connection_error", out.Kind, out.Err)
	}
}
