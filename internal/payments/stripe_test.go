package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	stripe "github.com/stripe/stripe-go/v74"
)

func TestHoldCreatesManualCaptureIntent(t *testing.T) {
	var form, idem, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm.Encode()
		idem = r.Header.Get("Idempotency-Key")
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","status":"requires_capture"}`))
	}))
	defer srv.Close()

	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	}))
	defer stripe.SetBackend(stripe.APIBackend, nil)

	c := NewStripeClient("sk_test_123", "eur")
	id, err := c.Hold(context.Background(), "r1", 1500, "")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if id != "pi_123" {
		t.Fatalf("unexpected id %s", id)
	}
	if path != "/v1/payment_intents" {
		t.Fatalf("unexpected path %s", path)
	}
	for _, want := range []string{"amount=1500", "capture_method=manual", "currency=eur"} {
		if !strings.Contains(form, want) {
			t.Fatalf("form %q missing %q", form, want)
		}
	}
	if idem != "hold-r1" {
		t.Fatalf("unexpected idempotency key %q", idem)
	}
}
