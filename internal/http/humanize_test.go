package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kalowrite/internal/config"
	"kalowrite/internal/engine"
	"kalowrite/internal/models"
	"kalowrite/internal/services"
)

// stubStore 内存版 Store，记录写操作供断言
type stubStore struct {
	balance       models.Balance
	balanceErr    error
	plans         map[string]models.Plan
	membership    models.Membership
	membershipErr error

	deducted    []int
	usageWrites int
	topupsSeen  map[string]bool
	credited    int
	events      []models.MembershipEvent
	upserts     []models.Membership
}

func newStubStore() *stubStore {
	return &stubStore{
		plans:      map[string]models.Plan{},
		topupsSeen: map[string]bool{},
	}
}

func (st *stubStore) CreateUser(ctx context.Context, email, password string) (models.User, error) {
	return models.User{}, nil
}

func (st *stubStore) AuthenticateUser(ctx context.Context, email, password string) (models.User, error) {
	return models.User{}, nil
}

func (st *stubStore) GetOrCreateUserByGoogleID(ctx context.Context, googleID, email string) (models.User, bool, error) {
	return models.User{}, false, nil
}

func (st *stubStore) GetUserByID(ctx context.Context, id int64) (models.User, error) {
	return models.User{ID: id, Email: "user@example.com", Status: models.UserStatusActive}, nil
}

func (st *stubStore) DeleteAccount(ctx context.Context, userID int64) error { return nil }

func (st *stubStore) ListPlans(ctx context.Context) ([]models.Plan, error) { return nil, nil }

func (st *stubStore) GetPlanBySlug(ctx context.Context, slug string) (models.Plan, error) {
	p, ok := st.plans[slug]
	if !ok {
		return models.Plan{}, services.ErrInvalidPlan
	}
	return p, nil
}

func (st *stubStore) GetPlanByPriceID(ctx context.Context, priceID string) (models.Plan, string, error) {
	for _, p := range st.plans {
		if p.PriceMonthly == priceID {
			return p, models.IntervalMonthly, nil
		}
		if p.PriceYearly == priceID {
			return p, models.IntervalYearly, nil
		}
	}
	return models.Plan{}, "", services.ErrInvalidPlan
}

func (st *stubStore) GetBalance(ctx context.Context, userID int64) (models.Balance, error) {
	if st.balanceErr != nil {
		return models.Balance{}, st.balanceErr
	}
	return st.balance, nil
}

func (st *stubStore) DeductWords(ctx context.Context, userID int64, words int) (int, error) {
	st.deducted = append(st.deducted, words)
	st.balance.BalanceWords -= words
	if st.balance.BalanceWords < 0 {
		st.balance.BalanceWords = 0
	}
	return st.balance.BalanceWords, nil
}

func (st *stubStore) ResetBalance(ctx context.Context, userID int64, plan string, words int) error {
	st.balance = models.Balance{UserID: userID, BalanceWords: words, Plan: plan}
	return nil
}

func (st *stubStore) ApplyTopup(ctx context.Context, userID int64, stripePaymentID string, words int) (bool, error) {
	if st.topupsSeen[stripePaymentID] {
		return false, nil
	}
	st.topupsSeen[stripePaymentID] = true
	st.credited += words
	return true, nil
}

func (st *stubStore) GetMembership(ctx context.Context, userID int64) (models.Membership, error) {
	if st.membershipErr != nil {
		return models.Membership{}, st.membershipErr
	}
	return st.membership, nil
}

func (st *stubStore) GetMembershipByCustomerID(ctx context.Context, customerID string) (models.Membership, error) {
	return st.GetMembership(ctx, 0)
}

func (st *stubStore) GetMembershipBySubscriptionID(ctx context.Context, subscriptionID string) (models.Membership, error) {
	return st.GetMembership(ctx, 0)
}

func (st *stubStore) UpsertMembership(ctx context.Context, m models.Membership) error {
	st.upserts = append(st.upserts, m)
	return nil
}

func (st *stubStore) SetStripeCustomerID(ctx context.Context, userID int64, customerID string) error {
	return nil
}

func (st *stubStore) SetScheduledChange(ctx context.Context, userID int64, targetPlan string, effectiveAt time.Time) error {
	return nil
}

func (st *stubStore) ClearScheduledChange(ctx context.Context, userID int64) error { return nil }

func (st *stubStore) DeactivateMembership(ctx context.Context, userID int64) error { return nil }

func (st *stubStore) AppendUsage(ctx context.Context, userID int64, input, output string, words int) (models.UsageRecord, error) {
	st.usageWrites++
	return models.UsageRecord{UserID: userID, WordsUsed: words}, nil
}

func (st *stubStore) ListUsage(ctx context.Context, userID int64, limit int) ([]models.UsageRecord, error) {
	return nil, nil
}

func (st *stubStore) ClearUsage(ctx context.Context, userID int64) error { return nil }

func (st *stubStore) AppendMembershipEvent(ctx context.Context, ev models.MembershipEvent) error {
	st.events = append(st.events, ev)
	return nil
}

func (st *stubStore) ListMembershipEvents(ctx context.Context, userID int64, limit int) ([]models.MembershipEvent, error) {
	return st.events, nil
}

func engineClientFor(url string) *engine.Client {
	return engine.NewClient(config.Config{
		GeminiAPIKey:         "test-key",
		GeminiModel:          "gemini-1.5-flash",
		EngineBaseURL:        url,
		EngineTimeoutSeconds: 5,
	})
}

func humanizeRequestFor(userID int64, words int) *http.Request {
	text := strings.TrimSpace(strings.Repeat("word ", words))
	body := strings.NewReader(`{"text":"` + text + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/humanize", body)
	return req.WithContext(context.WithValue(req.Context(), contextKeyUserID, userID))
}

func TestHumanizeEngineFailureKeepsBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := newStubStore()
	st.balance = models.Balance{UserID: 7, BalanceWords: 1500, Plan: models.PlanPro}
	st.plans[models.PlanPro] = models.Plan{Slug: models.PlanPro, MonthlyWords: 1500, RequestCap: 1500}
	s := &Server{svc: st, rewriter: engineClientFor(srv.URL)}

	rec := httptest.NewRecorder()
	s.handleHumanize(rec, humanizeRequestFor(7, 300))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on engine failure, got %d", rec.Code)
	}
	if len(st.deducted) != 0 {
		t.Fatalf("engine failure must not deduct, got %v", st.deducted)
	}
	if st.usageWrites != 0 {
		t.Fatalf("engine failure must not write history, got %d writes", st.usageWrites)
	}
	if st.balance.BalanceWords != 1500 {
		t.Fatalf("balance changed on engine failure: %d", st.balance.BalanceWords)
	}
}

func TestHumanizeInsufficientBalance(t *testing.T) {
	engineCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		engineCalled = true
	}))
	defer srv.Close()

	st := newStubStore()
	st.balance = models.Balance{UserID: 7, BalanceWords: 500, Plan: models.PlanFree}
	st.plans[models.PlanFree] = models.Plan{Slug: models.PlanFree, MonthlyWords: 200, RequestCap: 200}
	s := &Server{svc: st, rewriter: engineClientFor(srv.URL)}

	rec := httptest.NewRecorder()
	s.handleHumanize(rec, humanizeRequestFor(7, 600))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	if engineCalled {
		t.Fatalf("engine must not be called when the balance is insufficient")
	}
	if len(st.deducted) != 0 || st.usageWrites != 0 {
		t.Fatalf("rejected request must not mutate state")
	}
	if st.balance.BalanceWords != 500 {
		t.Fatalf("balance changed on rejection: %d", st.balance.BalanceWords)
	}
}

func TestHumanizeSuccessDeductsAndRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "rewritten output"}}}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	st := newStubStore()
	st.balance = models.Balance{UserID: 7, BalanceWords: 1500, Plan: models.PlanPro}
	st.plans[models.PlanPro] = models.Plan{Slug: models.PlanPro, MonthlyWords: 1500, RequestCap: 1500}
	s := &Server{svc: st, rewriter: engineClientFor(srv.URL)}

	rec := httptest.NewRecorder()
	s.handleHumanize(rec, humanizeRequestFor(7, 300))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(st.deducted) != 1 || st.deducted[0] != 300 {
		t.Fatalf("expected one deduction of 300 words, got %v", st.deducted)
	}
	if st.usageWrites != 1 {
		t.Fatalf("expected one history record, got %d", st.usageWrites)
	}

	var resp struct {
		WordsUsed        int `json:"words_used"`
		BalanceRemaining int `json:"balance_remaining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.WordsUsed != 300 || resp.BalanceRemaining != 1200 {
		t.Fatalf("unexpected accounting: used=%d remaining=%d", resp.WordsUsed, resp.BalanceRemaining)
	}
}
