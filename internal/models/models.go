package models

import "time"

type User struct {
	ID           int64
	Email        string
	PasswordHash string  `json:"-"`
	GoogleID     *string `json:"-"`
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Plan is a row of the plan catalog seeded at startup. PriceMonthly and
// PriceYearly hold the Stripe price ids used to resolve webhook events back
// to a plan slug.
type Plan struct {
	Slug         string
	MonthlyWords int
	RequestCap   int
	PriceMonthly string `json:"-"`
	PriceYearly  string `json:"-"`
	Rank         int
	Active       bool
}

// Balance is the per-user word-credit record. BalanceWords never goes
// negative; every mutation is a single atomic SQL statement.
type Balance struct {
	UserID       int64
	BalanceWords int
	Plan         string
	UpdatedAt    time.Time
}

type Membership struct {
	UserID                   int64
	Plan                     string
	BillingInterval          string
	ScheduledPlan            *string
	ScheduledPlanEffectiveAt *time.Time
	StripeCustomerID         string
	StripeSubscriptionID     *string
	StartedAt                time.Time
	EndsAt                   time.Time
	Active                   bool
	UpdatedAt                time.Time
}

type UsageRecord struct {
	ID         int64
	UserID     int64
	InputText  string
	OutputText string
	WordsUsed  int
	CreatedAt  time.Time
}

// MembershipEvent is a display-only snapshot appended per billing event.
type MembershipEvent struct {
	ID          int64
	UserID      int64
	Plan        string
	PriceID     string
	Status      string
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	CreatedAt   time.Time
}

type Topup struct {
	ID              int64
	UserID          int64
	StripePaymentID string
	WordsAdded      int
	CreatedAt       time.Time
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

const (
	PlanFree  = "free"
	PlanBasic = "basic"
	PlanPro   = "pro"
	PlanUltra = "ultra"
)

const (
	IntervalMonthly = "monthly"
	IntervalYearly  = "yearly"
)

const (
	MembershipEventCheckout     = "checkout_completed"
	MembershipEventCreated      = "subscription_created"
	MembershipEventUpdated      = "subscription_updated"
	MembershipEventRenewed      = "invoice_paid"
	MembershipEventDeleted      = "subscription_deleted"
	MembershipEventTopup        = "topup"
	MembershipEventCancelSched  = "cancellation_scheduled"
	MembershipEventScheduleSync = "schedule_synced"
)

func ValidPlan(slug string) bool {
	switch slug {
	case PlanFree, PlanBasic, PlanPro, PlanUltra:
		return true
	}
	return false
}

func ValidInterval(interval string) bool {
	return interval == IntervalMonthly || interval == IntervalYearly
}
