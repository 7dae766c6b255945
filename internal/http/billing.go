package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"kalowrite/internal/models"
	"kalowrite/internal/services"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stripe/stripe-go/v76"
	portalsession "github.com/stripe/stripe-go/v76/billingportal/session"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/subscription"
)

// fallbackPeriod 当 Stripe 订阅缺少周期字段时的兜底周期
const fallbackPeriod = 30 * 24 * time.Hour

type checkoutRequest struct {
	Plan            string `json:"plan"`
	BillingInterval string `json:"billing_interval"`
}

// handleCreateCheckout 创建订阅模式的 Stripe Checkout Session
func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	if s.cfg.StripeSecretKey == "" {
		s.respondServiceError(w, services.ErrStripeNotConfigured)
		return
	}
	userID := getUserIDFromContext(r.Context())

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.BillingInterval == "" {
		req.BillingInterval = models.IntervalMonthly
	}
	if !models.ValidInterval(req.BillingInterval) {
		respondError(w, http.StatusBadRequest, errors.New("billing_interval must be monthly or yearly"))
		return
	}

	plan, err := s.svc.GetPlanBySlug(r.Context(), req.Plan)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	priceID, err := priceForPlan(plan, req.BillingInterval)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	customerID, err := s.ensureStripeCustomer(r.Context(), userID)
	if err != nil {
		log.Printf("[ERROR] [%s] ensure stripe customer failed for user %d: %v", reqID, userID, err)
		s.respondServiceError(w, err)
		return
	}

	// user_id 同时写到 session 和 subscription 的 metadata 上，
	// 异步 webhook 事件无需查询即可归属到用户
	meta := map[string]string{
		"user_id":          strconv.FormatInt(userID, 10),
		"plan":             plan.Slug,
		"billing_interval": req.BillingInterval,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(customerID),
		SuccessURL:        stripe.String(s.cfg.AppBaseURL + "/billing/success"),
		CancelURL:         stripe.String(s.cfg.AppBaseURL + "/billing/cancel"),
		ClientReferenceID: stripe.String(strconv.FormatInt(userID, 10)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: meta,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
	}

	sess, err := session.New(params)
	if err != nil {
		s.respondStripeError(w, r, err, "checkout_session_create")
		return
	}
	log.Printf("[INFO] [%s] checkout session created: user=%d plan=%s session=%s", reqID, userID, plan.Slug, sess.ID)

	respondJSON(w, http.StatusCreated, map[string]any{
		"checkout_url": sess.URL,
	})
}

type topupRequest struct {
	Words int `json:"words"`
}

// handleCreateTopup 创建一次性加词包的 Checkout Session
func (s *Server) handleCreateTopup(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	if s.cfg.StripeSecretKey == "" {
		s.respondServiceError(w, services.ErrStripeNotConfigured)
		return
	}
	userID := getUserIDFromContext(r.Context())

	var req topupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Words < s.cfg.TopupMinWords || req.Words > s.cfg.TopupMaxWords {
		s.respondServiceError(w, services.ErrInvalidAmount)
		return
	}

	customerID, err := s.ensureStripeCustomer(r.Context(), userID)
	if err != nil {
		log.Printf("[ERROR] [%s] ensure stripe customer failed for user %d: %v", reqID, userID, err)
		s.respondServiceError(w, err)
		return
	}

	amountCents := int64(req.Words) * int64(s.cfg.TopupCentsPerThousand) / 1000
	meta := map[string]string{
		"user_id": strconv.FormatInt(userID, 10),
		"words":   strconv.Itoa(req.Words),
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		Customer:          stripe.String(customerID),
		SuccessURL:        stripe.String(s.cfg.AppBaseURL + "/billing/success"),
		CancelURL:         stripe.String(s.cfg.AppBaseURL + "/billing/cancel"),
		ClientReferenceID: stripe.String(strconv.FormatInt(userID, 10)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(s.cfg.StripeCurrency),
					UnitAmount: stripe.Int64(amountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("KaloWrite top-up: %d words", req.Words)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: meta,
	}

	sess, err := session.New(params)
	if err != nil {
		s.respondStripeError(w, r, err, "topup_session_create")
		return
	}
	log.Printf("[INFO] [%s] topup session created: user=%d words=%d session=%s", reqID, userID, req.Words, sess.ID)

	respondJSON(w, http.StatusCreated, map[string]any{
		"checkout_url": sess.URL,
	})
}

// handleCreatePortal 创建 Stripe 客户门户会话
func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StripeSecretKey == "" {
		s.respondServiceError(w, services.ErrStripeNotConfigured)
		return
	}
	userID := getUserIDFromContext(r.Context())

	m, err := s.svc.GetMembership(r.Context(), userID)
	if err != nil || m.StripeCustomerID == "" {
		s.respondServiceError(w, services.ErrNoSubscription)
		return
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(m.StripeCustomerID),
		ReturnURL: stripe.String(s.cfg.AppBaseURL + "/settings/billing"),
	}
	sess, err := portalsession.New(params)
	if err != nil {
		s.respondStripeError(w, r, err, "portal_session_create")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"portal_url": sess.URL,
	})
}

type cancelRequest struct {
	TargetPlan      string `json:"target_plan"`
	BillingInterval string `json:"billing_interval"`
}

// handleScheduleCancel 安排降级或取消：当前周期保留访问与余额，
// 变更在周期结束时由 invoice.paid / subscription.deleted 落地。
func (s *Server) handleScheduleCancel(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	if s.cfg.StripeSecretKey == "" {
		s.respondServiceError(w, services.ErrStripeNotConfigured)
		return
	}
	userID := getUserIDFromContext(r.Context())

	var req cancelRequest
	if r.Body != nil {
		// 空 body 表示取消到 free
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	m, err := s.svc.GetMembership(r.Context(), userID)
	if err != nil || m.StripeSubscriptionID == nil || *m.StripeSubscriptionID == "" || !m.Active {
		s.respondServiceError(w, services.ErrNoActiveSubscription)
		return
	}

	targetPlan, targetInterval, err := resolveCancelTarget(req, m)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	current, err := s.svc.GetPlanBySlug(r.Context(), m.Plan)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	target, err := s.svc.GetPlanBySlug(r.Context(), targetPlan)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if target.Rank >= current.Rank {
		respondError(w, http.StatusBadRequest, errors.New("target plan must be lower than the current plan"))
		return
	}

	sub, err := subscription.Get(*m.StripeSubscriptionID, nil)
	if err != nil {
		s.respondStripeError(w, r, err, "subscription_get")
		return
	}

	effectiveAt := time.Now().UTC().Add(fallbackPeriod)
	if sub.CurrentPeriodEnd > 0 {
		effectiveAt = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}

	updateParams := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
		Metadata: map[string]string{
			"user_id":         strconv.FormatInt(userID, 10),
			"target_plan":     target.Slug,
			"target_interval": targetInterval,
			"effective_at":    strconv.FormatInt(effectiveAt.Unix(), 10),
		},
	}
	if _, err := subscription.Update(sub.ID, updateParams); err != nil {
		s.respondStripeError(w, r, err, "subscription_update")
		return
	}

	if err := s.svc.SetScheduledChange(r.Context(), userID, target.Slug, effectiveAt); err != nil {
		log.Printf("[ERROR] [%s] persist scheduled change failed for user %d: %v", reqID, userID, err)
		s.respondServiceError(w, err)
		return
	}
	log.Printf("[INFO] [%s] scheduled plan change: user=%d %s -> %s at %s",
		reqID, userID, current.Slug, target.Slug, effectiveAt.Format(time.RFC3339))

	// 历史记录写失败不影响排期本身
	if err := s.svc.AppendMembershipEvent(r.Context(), models.MembershipEvent{
		UserID: userID,
		Plan:   target.Slug,
		Status: models.MembershipEventCancelSched,
	}); err != nil {
		log.Printf("[ERROR] [%s] append membership event failed for user %d: %v", reqID, userID, err)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"scheduled_plan":   target.Slug,
		"billing_interval": targetInterval,
		"effective_at":     effectiveAt,
	})
}

// resolveCancelTarget 解析降级目标：省略 target_plan 即取消到 free，
// 省略 billing_interval 时沿用当前会员的计费周期
func resolveCancelTarget(req cancelRequest, m models.Membership) (string, string, error) {
	targetPlan := req.TargetPlan
	if targetPlan == "" {
		targetPlan = models.PlanFree
	}
	interval := req.BillingInterval
	if interval == "" {
		interval = m.BillingInterval
	}
	if interval == "" {
		interval = models.IntervalMonthly
	}
	if !models.ValidInterval(interval) {
		return "", "", errors.New("billing_interval must be monthly or yearly")
	}
	return targetPlan, interval, nil
}

// ensureStripeCustomer 为用户查找或创建 Stripe Customer，句柄只创建一次
func (s *Server) ensureStripeCustomer(ctx context.Context, userID int64) (string, error) {
	m, err := s.svc.GetMembership(ctx, userID)
	if err == nil && m.StripeCustomerID != "" {
		return m.StripeCustomerID, nil
	}
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		return "", err
	}

	user, err := s.svc.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(user.Email),
		Metadata: map[string]string{
			"user_id": strconv.FormatInt(userID, 10),
		},
	}
	cust, err := customer.New(params)
	if err != nil {
		return "", err
	}

	if err := s.svc.SetStripeCustomerID(ctx, userID, cust.ID); err != nil {
		return "", err
	}
	return cust.ID, nil
}

// priceForPlan 取计划在指定计费周期下的 Stripe price id
func priceForPlan(plan models.Plan, interval string) (string, error) {
	var priceID string
	switch interval {
	case models.IntervalMonthly:
		priceID = plan.PriceMonthly
	case models.IntervalYearly:
		priceID = plan.PriceYearly
	default:
		return "", errors.New("billing_interval must be monthly or yearly")
	}
	if priceID == "" {
		return "", fmt.Errorf("no %s price configured for plan %s", interval, plan.Slug)
	}
	return priceID, nil
}

// respondStripeError 详细记录 Stripe 错误
func (s *Server) respondStripeError(w http.ResponseWriter, r *http.Request, err error, context string) {
	reqID := middleware.GetReqID(r.Context())
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Printf("[ERROR] [%s] Stripe API error in %s: type=%s, code=%s, message=%s, param=%s",
			reqID, context, stripeErr.Type, stripeErr.Code, stripeErr.Msg, stripeErr.Param)
		respondError(w, http.StatusBadRequest,
			fmt.Errorf("stripe error: %s - %s", stripeErr.Code, stripeErr.Msg))
		return
	}
	log.Printf("[ERROR] [%s] Stripe call failed in %s: %v", reqID, context, err)
	respondError(w, http.StatusInternalServerError, err)
}
