package httpapi

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"kalowrite/internal/config"
	"kalowrite/internal/models"
)

func TestWordCount(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"   \n\t  ", 0},
		{"hello", 1},
		{"hello world", 2},
		{"  multiple   spaces\nand\tnewlines here  ", 5},
	}
	for _, c := range cases {
		if got := wordCount(c.text); got != c.want {
			t.Fatalf("wordCount(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}

func TestParseLimit(t *testing.T) {
	req := &http.Request{URL: &url.URL{}}
	if got := parseLimit(req); got != 0 {
		t.Fatalf("expected 0 for missing limit, got %d", got)
	}

	q := url.Values{}
	q.Set("limit", "25")
	req = &http.Request{URL: &url.URL{RawQuery: q.Encode()}}
	if got := parseLimit(req); got != 25 {
		t.Fatalf("expected 25, got %d", got)
	}

	q.Set("limit", "-3")
	req = &http.Request{URL: &url.URL{RawQuery: q.Encode()}}
	if got := parseLimit(req); got != 0 {
		t.Fatalf("expected 0 for negative limit, got %d", got)
	}

	q.Set("limit", "abc")
	req = &http.Request{URL: &url.URL{RawQuery: q.Encode()}}
	if got := parseLimit(req); got != 0 {
		t.Fatalf("expected 0 for junk limit, got %d", got)
	}
}

func TestPriceForPlan(t *testing.T) {
	plan := models.Plan{Slug: "pro", PriceMonthly: "price_pro_m", PriceYearly: "price_pro_y"}

	id, err := priceForPlan(plan, models.IntervalMonthly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "price_pro_m" {
		t.Fatalf("unexpected monthly price id: %s", id)
	}

	id, err = priceForPlan(plan, models.IntervalYearly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "price_pro_y" {
		t.Fatalf("unexpected yearly price id: %s", id)
	}

	if _, err := priceForPlan(plan, "weekly"); err == nil {
		t.Fatalf("expected error for unknown interval")
	}

	if _, err := priceForPlan(models.Plan{Slug: "basic"}, models.IntervalMonthly); err == nil {
		t.Fatalf("expected error for plan without a configured price")
	}
}

func TestResolveCancelTarget(t *testing.T) {
	m := models.Membership{BillingInterval: models.IntervalYearly}

	plan, interval, err := resolveCancelTarget(cancelRequest{}, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan != models.PlanFree || interval != models.IntervalYearly {
		t.Fatalf("empty request must cancel to free on the current interval, got %s/%s", plan, interval)
	}

	plan, interval, err = resolveCancelTarget(cancelRequest{TargetPlan: "basic", BillingInterval: "monthly"}, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan != "basic" || interval != models.IntervalMonthly {
		t.Fatalf("explicit target must pass through, got %s/%s", plan, interval)
	}

	plan, interval, err = resolveCancelTarget(cancelRequest{}, models.Membership{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if interval != models.IntervalMonthly {
		t.Fatalf("missing intervals must default to monthly, got %s", interval)
	}

	if _, _, err := resolveCancelTarget(cancelRequest{BillingInterval: "weekly"}, m); err == nil {
		t.Fatalf("expected error for unknown interval")
	}
}

func TestGenerateAndVerifyJWT(t *testing.T) {
	s := &Server{cfg: config.Config{JWTSecretKey: "test-secret", JWTExpiryHours: 1}}

	token, err := s.generateJWT(42, "user@example.com")
	if err != nil {
		t.Fatalf("generateJWT failed: %v", err)
	}

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if got := getUserIDFromContext(r.Context()); got != 42 {
			t.Fatalf("unexpected user id in context: %d", got)
		}
		if got := getEmailFromContext(r.Context()); got != "user@example.com" {
			t.Fatalf("unexpected email in context: %s", got)
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/me/balance", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.jwtMiddleware(next).ServeHTTP(rec, req)
	if !called {
		t.Fatalf("expected middleware to pass through, got status %d", rec.Code)
	}
}

func TestJWTMiddlewareRejectsBadToken(t *testing.T) {
	s := &Server{cfg: config.Config{JWTSecretKey: "test-secret", JWTExpiryHours: 1}}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run for invalid token")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/me/balance", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	s.jwtMiddleware(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/me/balance", nil)
	rec = httptest.NewRecorder()
	s.jwtMiddleware(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing header, got %d", rec.Code)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := &Server{cfg: config.Config{StripeWebhookSecret: "whsec_test"}}

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe",
		strings.NewReader(`{"type":"invoice.paid"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	s.handleStripeWebhook(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad signature, got %d", rec.Code)
	}
}

func TestWebhookRequiresSecret(t *testing.T) {
	s := &Server{cfg: config.Config{}}

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe",
		strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.handleStripeWebhook(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when webhook secret is not configured, got %d", rec.Code)
	}
}
