package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"kalowrite/internal/models"
	"kalowrite/internal/services"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/subscriptionschedule"
	"github.com/stripe/stripe-go/v76/webhook"
)

// handleStripeWebhook 消费 Stripe 的账单生命周期事件。
// 只有签名失败 / 密钥未配置 / 载荷损坏才返回非 200；
// 内部处理失败记日志后照常返回 200，由 Stripe 的重试机制兜底，
// 避免无限重投风暴。
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	if s.cfg.StripeWebhookSecret == "" {
		s.respondServiceError(w, services.ErrStripeNotConfigured)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sigHeader, s.cfg.StripeWebhookSecret)
	if err != nil {
		log.Printf("[ERROR] [%s] stripe webhook signature verification failed: %v", reqID, err)
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.processCheckoutCompleted(ctx, &sess); err != nil {
			log.Printf("[ERROR] [%s] checkout.session.completed processing failed: %v", reqID, err)
		}
	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		// created 是 checkout 路径的兜底镜像，同样要重置余额；
		// updated 只同步计划标签，不补词（补词只发生在 invoice.paid）
		resetBalance := event.Type == "customer.subscription.created"
		status := models.MembershipEventUpdated
		if resetBalance {
			status = models.MembershipEventCreated
		}
		if err := s.processSubscriptionEvent(ctx, sub.ID, resetBalance, status); err != nil {
			log.Printf("[ERROR] [%s] %s processing failed: %v", reqID, event.Type, err)
		}
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.processSubscriptionDeleted(ctx, &sub); err != nil {
			log.Printf("[ERROR] [%s] customer.subscription.deleted processing failed: %v", reqID, err)
		}
	case "invoice.paid":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.processInvoicePaid(ctx, &inv); err != nil {
			log.Printf("[ERROR] [%s] invoice.paid processing failed: %v", reqID, err)
		}
	case "subscription_schedule.created", "subscription_schedule.updated":
		var sched stripe.SubscriptionSchedule
		if err := json.Unmarshal(event.Data.Raw, &sched); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.processScheduleChanged(ctx, &sched); err != nil {
			log.Printf("[ERROR] [%s] %s processing failed: %v", reqID, event.Type, err)
		}
	case "subscription_schedule.canceled", "subscription_schedule.released":
		var sched stripe.SubscriptionSchedule
		if err := json.Unmarshal(event.Data.Raw, &sched); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.processScheduleCleared(ctx, &sched); err != nil {
			log.Printf("[ERROR] [%s] %s processing failed: %v", reqID, event.Type, err)
		}
	default:
		// 其余事件有意忽略
	}
	respondOK(w)
}

// processCheckoutCompleted 区分订阅结账与一次性加词包
func (s *Server) processCheckoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	switch sess.Mode {
	case stripe.CheckoutSessionModePayment:
		return s.processTopupCompleted(ctx, sess)
	case stripe.CheckoutSessionModeSubscription:
		if sess.Subscription == nil || sess.Subscription.ID == "" {
			return errors.New("checkout session missing subscription id")
		}
		return s.processSubscriptionEvent(ctx, sess.Subscription.ID, true, models.MembershipEventCheckout)
	default:
		return nil
	}
}

// processTopupCompleted 以 payment id 为幂等键入账加词包。
// 重复投递时唯一约束让插入落空，余额只会加一次；
// 只加余额，不碰 plan 和 membership。
func (s *Server) processTopupCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	userID := userIDFromMetadata(sess.Metadata)
	if userID == 0 {
		userID = userIDFromReference(sess.ClientReferenceID)
	}
	if userID == 0 {
		if m, err := s.svc.GetMembershipByCustomerID(ctx, customerIDOf(sess.Customer)); err == nil {
			userID = m.UserID
		}
	}
	if userID == 0 {
		return errors.New("topup session cannot be attributed to a user")
	}

	words, err := strconv.Atoi(sess.Metadata["words"])
	if err != nil || words <= 0 {
		return errors.New("topup session missing words metadata")
	}

	paymentID := sess.ID
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		paymentID = sess.PaymentIntent.ID
	}

	applied, err := s.svc.ApplyTopup(ctx, userID, paymentID, words)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("[INFO] duplicate topup delivery ignored: user=%d payment=%s", userID, paymentID)
		return nil
	}
	return s.svc.AppendMembershipEvent(ctx, models.MembershipEvent{
		UserID:  userID,
		Plan:    models.PlanFree,
		PriceID: paymentID,
		Status:  models.MembershipEventTopup,
	})
}

// processSubscriptionEvent 以外部订阅对象为准同步 membership。
// 事件载荷可能过期，这里总是从 Stripe 重新读取订阅（和 schedule），
// 再做以 user_id 为键的幂等 upsert。
func (s *Server) processSubscriptionEvent(ctx context.Context, subscriptionID string, resetBalance bool, status string) error {
	if subscriptionID == "" {
		return errors.New("missing subscription id")
	}
	sub, err := subscription.Get(subscriptionID, nil)
	if err != nil {
		return err
	}
	return s.syncSubscriptionState(ctx, sub, resetBalance, status)
}

func (s *Server) syncSubscriptionState(ctx context.Context, sub *stripe.Subscription, resetBalance bool, status string) error {
	priceID := subscriptionPriceID(sub)
	plan, interval, err := s.svc.GetPlanByPriceID(ctx, priceID)
	if err != nil {
		return err
	}

	userID, err := s.resolveSubscriptionUser(ctx, sub)
	if err != nil {
		return err
	}

	scheduledPlan, scheduledAt := s.pendingChangeForSubscription(ctx, sub)

	// 不可用状态的订阅只能落成 free 行，付费计划标签不保留
	active := subscriptionActive(sub.Status)
	planSlug := effectivePlan(plan.Slug, active)
	if !active {
		scheduledPlan, scheduledAt = nil, nil
	}

	m := models.Membership{
		UserID:                   userID,
		Plan:                     planSlug,
		BillingInterval:          interval,
		ScheduledPlan:            scheduledPlan,
		ScheduledPlanEffectiveAt: scheduledAt,
		StripeCustomerID:         customerIDOf(sub.Customer),
		StripeSubscriptionID:     &sub.ID,
		StartedAt:                unixTimeOrNow(sub.CurrentPeriodStart),
		EndsAt:                   unixTimeOr(sub.CurrentPeriodEnd, time.Now().UTC().Add(fallbackPeriod)),
		Active:                   active,
	}
	if err := s.svc.UpsertMembership(ctx, m); err != nil {
		return err
	}

	if resetBalance && active {
		if err := s.svc.ResetBalance(ctx, userID, planSlug, plan.MonthlyWords); err != nil {
			return err
		}
	}

	return s.svc.AppendMembershipEvent(ctx, models.MembershipEvent{
		UserID:      userID,
		Plan:        planSlug,
		PriceID:     priceID,
		Status:      status,
		PeriodStart: &m.StartedAt,
		PeriodEnd:   &m.EndsAt,
	})
}

// processInvoicePaid 是新计费周期唯一的权威补词点。
// 存在 scheduled_plan 时，本周期实际生效的是 scheduled_plan
// （降级是"让旧订阅到期后按新计划续费"，价格推导出的 plan 可能
// 还是旧的），消费后清空 scheduled 字段。
func (s *Server) processInvoicePaid(ctx context.Context, inv *stripe.Invoice) error {
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		return nil
	}
	sub, err := subscription.Get(inv.Subscription.ID, nil)
	if err != nil {
		return err
	}

	priceID := subscriptionPriceID(sub)
	pricePlan, interval, err := s.svc.GetPlanByPriceID(ctx, priceID)
	if err != nil {
		return err
	}

	userID, err := s.resolveSubscriptionUser(ctx, sub)
	if err != nil {
		return err
	}

	var scheduled *string
	if m, err := s.svc.GetMembership(ctx, userID); err == nil {
		scheduled = m.ScheduledPlan
	}
	resolvedSlug := renewalPlan(scheduled, pricePlan.Slug)
	resolved, err := s.svc.GetPlanBySlug(ctx, resolvedSlug)
	if err != nil {
		return err
	}

	m := models.Membership{
		UserID:               userID,
		Plan:                 resolved.Slug,
		BillingInterval:      interval,
		StripeCustomerID:     customerIDOf(sub.Customer),
		StripeSubscriptionID: &sub.ID,
		StartedAt:            unixTimeOrNow(sub.CurrentPeriodStart),
		EndsAt:               unixTimeOr(sub.CurrentPeriodEnd, time.Now().UTC().Add(fallbackPeriod)),
		Active:               true,
	}
	if err := s.svc.UpsertMembership(ctx, m); err != nil {
		return err
	}
	if err := s.svc.ResetBalance(ctx, userID, resolved.Slug, resolved.MonthlyWords); err != nil {
		return err
	}
	return s.svc.AppendMembershipEvent(ctx, models.MembershipEvent{
		UserID:      userID,
		Plan:        resolved.Slug,
		PriceID:     priceID,
		Status:      models.MembershipEventRenewed,
		PeriodStart: &m.StartedAt,
		PeriodEnd:   &m.EndsAt,
	})
}

// processSubscriptionDeleted 订阅删除：回到 free、标记不活跃、
// 清掉订阅句柄和 scheduled 字段，余额重置为 free 配额。
// 订阅对象已不存在，这里用事件载荷而不再回读。
func (s *Server) processSubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error {
	userID, err := s.resolveSubscriptionUser(ctx, sub)
	if err != nil {
		return err
	}
	if err := s.svc.DeactivateMembership(ctx, userID); err != nil {
		return err
	}
	free, err := s.svc.GetPlanBySlug(ctx, models.PlanFree)
	if err != nil {
		return err
	}
	if err := s.svc.ResetBalance(ctx, userID, free.Slug, free.MonthlyWords); err != nil {
		return err
	}
	return s.svc.AppendMembershipEvent(ctx, models.MembershipEvent{
		UserID: userID,
		Plan:   models.PlanFree,
		Status: models.MembershipEventDeleted,
	})
}

// processScheduleChanged 从 schedule 的下一阶段推导 pending 变更
func (s *Server) processScheduleChanged(ctx context.Context, sched *stripe.SubscriptionSchedule) error {
	userID, err := s.resolveScheduleUser(ctx, sched)
	if err != nil {
		return err
	}
	priceID, startAt, ok := nextPhaseChange(sched, time.Now().UTC())
	if !ok {
		return s.svc.ClearScheduledChange(ctx, userID)
	}
	plan, _, err := s.svc.GetPlanByPriceID(ctx, priceID)
	if err != nil {
		return err
	}
	if err := s.svc.SetScheduledChange(ctx, userID, plan.Slug, startAt); err != nil {
		return err
	}
	return s.svc.AppendMembershipEvent(ctx, models.MembershipEvent{
		UserID:  userID,
		Plan:    plan.Slug,
		PriceID: priceID,
		Status:  models.MembershipEventScheduleSync,
	})
}

func (s *Server) processScheduleCleared(ctx context.Context, sched *stripe.SubscriptionSchedule) error {
	userID, err := s.resolveScheduleUser(ctx, sched)
	if err != nil {
		return err
	}
	return s.svc.ClearScheduledChange(ctx, userID)
}

// pendingChangeForSubscription 检查订阅上挂的 schedule（实时读取），
// 其次是取消/降级路径写入的 metadata；都没有则视为无 pending 变更。
func (s *Server) pendingChangeForSubscription(ctx context.Context, sub *stripe.Subscription) (*string, *time.Time) {
	if sub.Schedule != nil && sub.Schedule.ID != "" {
		sched, err := subscriptionschedule.Get(sub.Schedule.ID, nil)
		if err != nil {
			log.Printf("[ERROR] fetch subscription schedule %s failed: %v", sub.Schedule.ID, err)
		} else if priceID, startAt, ok := nextPhaseChange(sched, time.Now().UTC()); ok {
			if plan, _, err := s.svc.GetPlanByPriceID(ctx, priceID); err == nil {
				return &plan.Slug, &startAt
			}
		}
	}

	if sub.CancelAtPeriodEnd {
		target := sub.Metadata["target_plan"]
		if target == "" {
			target = models.PlanFree
		}
		if models.ValidPlan(target) {
			at := unixTimeOr(sub.CurrentPeriodEnd, time.Now().UTC().Add(fallbackPeriod))
			return &target, &at
		}
	}
	return nil, nil
}

func (s *Server) resolveSubscriptionUser(ctx context.Context, sub *stripe.Subscription) (int64, error) {
	if userID := userIDFromMetadata(sub.Metadata); userID != 0 {
		return userID, nil
	}
	if m, err := s.svc.GetMembershipBySubscriptionID(ctx, sub.ID); err == nil {
		return m.UserID, nil
	}
	if m, err := s.svc.GetMembershipByCustomerID(ctx, customerIDOf(sub.Customer)); err == nil {
		return m.UserID, nil
	}
	return 0, errors.New("subscription cannot be attributed to a user")
}

func (s *Server) resolveScheduleUser(ctx context.Context, sched *stripe.SubscriptionSchedule) (int64, error) {
	if userID := userIDFromMetadata(sched.Metadata); userID != 0 {
		return userID, nil
	}
	if sched.Subscription != nil {
		if m, err := s.svc.GetMembershipBySubscriptionID(ctx, sched.Subscription.ID); err == nil {
			return m.UserID, nil
		}
	}
	if m, err := s.svc.GetMembershipByCustomerID(ctx, customerIDOf(sched.Customer)); err == nil {
		return m.UserID, nil
	}
	return 0, errors.New("subscription schedule cannot be attributed to a user")
}

// ========== 纯函数 helpers ==========

// renewalPlan 决定新周期实际生效的计划：有 scheduled_plan 时优先
func renewalPlan(scheduled *string, pricePlan string) string {
	if scheduled != nil && *scheduled != "" {
		return *scheduled
	}
	return pricePlan
}

// nextPhaseChange 找 schedule 中第一个还没开始的阶段，
// 返回其 price id 和开始时间
func nextPhaseChange(sched *stripe.SubscriptionSchedule, now time.Time) (string, time.Time, bool) {
	if sched == nil {
		return "", time.Time{}, false
	}
	for _, phase := range sched.Phases {
		if phase == nil || phase.StartDate <= now.Unix() {
			continue
		}
		if len(phase.Items) == 0 || phase.Items[0].Price == nil {
			continue
		}
		return phase.Items[0].Price.ID, time.Unix(phase.StartDate, 0).UTC(), true
	}
	return "", time.Time{}, false
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

func subscriptionActive(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}

// effectivePlan 保证落库的 membership 行满足 active=false ⇒ plan=free
func effectivePlan(planSlug string, active bool) string {
	if !active {
		return models.PlanFree
	}
	return planSlug
}

func customerIDOf(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func userIDFromMetadata(meta map[string]string) int64 {
	if meta == nil {
		return 0
	}
	if raw, ok := meta["user_id"]; ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			return id
		}
	}
	return 0
}

func userIDFromReference(ref string) int64 {
	if ref == "" {
		return 0
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		return id
	}
	return 0
}

func unixTimeOrNow(ts int64) time.Time {
	return unixTimeOr(ts, time.Now().UTC())
}

func unixTimeOr(ts int64, fallback time.Time) time.Time {
	if ts <= 0 {
		return fallback
	}
	return time.Unix(ts, 0).UTC()
}
