package httpapi

import (
	"context"
	"testing"
	"time"

	"kalowrite/internal/models"

	"github.com/stripe/stripe-go/v76"
)

func TestTopupDuplicateDeliveryCreditsOnce(t *testing.T) {
	st := newStubStore()
	s := &Server{svc: st}

	sess := &stripe.CheckoutSession{
		Mode:          stripe.CheckoutSessionModePayment,
		Metadata:      map[string]string{"user_id": "7", "words": "5000"},
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_dup"},
	}

	if err := s.processTopupCompleted(context.Background(), sess); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := s.processTopupCompleted(context.Background(), sess); err != nil {
		t.Fatalf("duplicate delivery must be a silent no-op, got %v", err)
	}

	if st.credited != 5000 {
		t.Fatalf("expected exactly one credit of 5000 words, got %d", st.credited)
	}
	if len(st.events) != 1 {
		t.Fatalf("expected one top-up history event, got %d", len(st.events))
	}
	if st.events[0].Status != models.MembershipEventTopup {
		t.Fatalf("unexpected event status: %s", st.events[0].Status)
	}
}

func TestInactiveSubscriptionFallsBackToFree(t *testing.T) {
	for _, status := range []stripe.SubscriptionStatus{
		stripe.SubscriptionStatusPastDue,
		stripe.SubscriptionStatusUnpaid,
		stripe.SubscriptionStatusIncomplete,
		stripe.SubscriptionStatusCanceled,
	} {
		if got := effectivePlan("pro", subscriptionActive(status)); got != models.PlanFree {
			t.Fatalf("status %s must map to free, got %s", status, got)
		}
	}
	if got := effectivePlan("pro", subscriptionActive(stripe.SubscriptionStatusActive)); got != "pro" {
		t.Fatalf("active subscription must keep its plan, got %s", got)
	}
	if got := effectivePlan("ultra", subscriptionActive(stripe.SubscriptionStatusTrialing)); got != "ultra" {
		t.Fatalf("trialing subscription must keep its plan, got %s", got)
	}
}

func TestRenewalPlanPrefersScheduled(t *testing.T) {
	scheduled := "basic"
	if got := renewalPlan(&scheduled, "pro"); got != "basic" {
		t.Fatalf("expected scheduled plan to win, got %s", got)
	}
	if got := renewalPlan(nil, "pro"); got != "pro" {
		t.Fatalf("expected price-derived plan, got %s", got)
	}
	empty := ""
	if got := renewalPlan(&empty, "pro"); got != "pro" {
		t.Fatalf("expected empty scheduled plan to be ignored, got %s", got)
	}
}

func TestNextPhaseChange(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(20 * 24 * time.Hour)

	sched := &stripe.SubscriptionSchedule{
		Phases: []*stripe.SubscriptionSchedulePhase{
			{
				StartDate: now.Add(-10 * 24 * time.Hour).Unix(),
				Items: []*stripe.SubscriptionSchedulePhaseItem{
					{Price: &stripe.Price{ID: "price_pro_m"}},
				},
			},
			{
				StartDate: future.Unix(),
				Items: []*stripe.SubscriptionSchedulePhaseItem{
					{Price: &stripe.Price{ID: "price_basic_m"}},
				},
			},
		},
	}

	priceID, startAt, ok := nextPhaseChange(sched, now)
	if !ok {
		t.Fatalf("expected a pending phase")
	}
	if priceID != "price_basic_m" {
		t.Fatalf("unexpected price id: %s", priceID)
	}
	if !startAt.Equal(future) {
		t.Fatalf("unexpected start: %v", startAt)
	}
}

func TestNextPhaseChangeNoPendingPhase(t *testing.T) {
	now := time.Now().UTC()

	if _, _, ok := nextPhaseChange(nil, now); ok {
		t.Fatalf("nil schedule must report no change")
	}

	// 只有当前阶段，没有未来阶段
	sched := &stripe.SubscriptionSchedule{
		Phases: []*stripe.SubscriptionSchedulePhase{
			{
				StartDate: now.Add(-24 * time.Hour).Unix(),
				Items: []*stripe.SubscriptionSchedulePhaseItem{
					{Price: &stripe.Price{ID: "price_pro_m"}},
				},
			},
		},
	}
	if _, _, ok := nextPhaseChange(sched, now); ok {
		t.Fatalf("schedule without a future phase must report no change")
	}

	// 未来阶段缺 price，跳过
	sched.Phases = append(sched.Phases, &stripe.SubscriptionSchedulePhase{
		StartDate: now.Add(24 * time.Hour).Unix(),
	})
	if _, _, ok := nextPhaseChange(sched, now); ok {
		t.Fatalf("future phase without items must be skipped")
	}
}

func TestUserIDFromMetadata(t *testing.T) {
	if got := userIDFromMetadata(map[string]string{"user_id": "7"}); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	if got := userIDFromMetadata(map[string]string{"user_id": "abc"}); got != 0 {
		t.Fatalf("expected 0 for junk value, got %d", got)
	}
	if got := userIDFromMetadata(map[string]string{"user_id": "-2"}); got != 0 {
		t.Fatalf("expected 0 for negative id, got %d", got)
	}
	if got := userIDFromMetadata(nil); got != 0 {
		t.Fatalf("expected 0 for nil metadata, got %d", got)
	}
}

func TestUserIDFromReference(t *testing.T) {
	if got := userIDFromReference("19"); got != 19 {
		t.Fatalf("expected 19, got %d", got)
	}
	if got := userIDFromReference(""); got != 0 {
		t.Fatalf("expected 0 for empty reference, got %d", got)
	}
	if got := userIDFromReference("cus_123"); got != 0 {
		t.Fatalf("expected 0 for non-numeric reference, got %d", got)
	}
}

func TestSubscriptionActive(t *testing.T) {
	if !subscriptionActive(stripe.SubscriptionStatusActive) {
		t.Fatalf("active status must count as active")
	}
	if !subscriptionActive(stripe.SubscriptionStatusTrialing) {
		t.Fatalf("trialing status must count as active")
	}
	if subscriptionActive(stripe.SubscriptionStatusCanceled) {
		t.Fatalf("canceled status must not count as active")
	}
	if subscriptionActive(stripe.SubscriptionStatusPastDue) {
		t.Fatalf("past_due status must not count as active")
	}
}

func TestSubscriptionPriceID(t *testing.T) {
	sub := &stripe.Subscription{
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{Price: &stripe.Price{ID: "price_ultra_y"}},
			},
		},
	}
	if got := subscriptionPriceID(sub); got != "price_ultra_y" {
		t.Fatalf("unexpected price id: %s", got)
	}
	if got := subscriptionPriceID(&stripe.Subscription{}); got != "" {
		t.Fatalf("expected empty price id for bare subscription, got %s", got)
	}
	if got := subscriptionPriceID(nil); got != "" {
		t.Fatalf("expected empty price id for nil subscription, got %s", got)
	}
}

func TestUnixTimeOr(t *testing.T) {
	fallback := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := unixTimeOr(0, fallback); !got.Equal(fallback) {
		t.Fatalf("expected fallback for zero timestamp, got %v", got)
	}
	ts := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	if got := unixTimeOr(ts.Unix(), fallback); !got.Equal(ts) {
		t.Fatalf("expected %v, got %v", ts, got)
	}
}
