package services

import (
	"context"
	"errors"
	"time"

	"kalowrite/internal/config"
	"kalowrite/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInsufficientBalance  = errors.New("insufficient word balance, please upgrade your plan or buy a top-up")
	ErrInvalidPlan          = errors.New("unknown plan")
	ErrInvalidAmount        = errors.New("word amount out of range")
	ErrNoSubscription       = errors.New("no billing account for user")
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrStripeNotConfigured  = errors.New("stripe not configured")
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrEmailAlreadyExists   = errors.New("email already registered")
	ErrUserDisabled         = errors.New("user account disabled")
)

type Service struct {
	pool   *pgxpool.Pool
	config config.Config
}

func New(pool *pgxpool.Pool, cfg config.Config) *Service {
	return &Service{pool: pool, config: cfg}
}

// EnsurePlanCatalog seeds the plan catalog from config. Quotas and Stripe
// price ids are upserted on every boot so env changes take effect without a
// migration.
func (s *Service) EnsurePlanCatalog(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO plans (slug, monthly_words, request_cap, price_monthly, price_yearly, rank, active)
		VALUES
			('free',  $1, $2, '', '', 0, true),
			('basic', $3, $4, $5, $6, 1, true),
			('pro',   $7, $8, $9, $10, 2, true),
			('ultra', $11, $12, $13, $14, 3, true)
		ON CONFLICT (slug)
		DO UPDATE SET monthly_words = EXCLUDED.monthly_words,
			request_cap = EXCLUDED.request_cap,
			price_monthly = EXCLUDED.price_monthly,
			price_yearly = EXCLUDED.price_yearly,
			rank = EXCLUDED.rank,
			active = EXCLUDED.active`,
		s.config.FreeMonthlyWords, s.config.FreeRequestCap,
		s.config.BasicMonthlyWords, s.config.BasicRequestCap, s.config.StripePriceBasicMonthly, s.config.StripePriceBasicYearly,
		s.config.ProMonthlyWords, s.config.ProRequestCap, s.config.StripePriceProMonthly, s.config.StripePriceProYearly,
		s.config.UltraMonthlyWords, s.config.UltraRequestCap, s.config.StripePriceUltraMonthly, s.config.StripePriceUltraYearly)
	return err
}

func (s *Service) ListPlans(ctx context.Context) ([]models.Plan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT slug, monthly_words, request_cap, price_monthly, price_yearly, rank, active
		FROM plans WHERE active = true ORDER BY rank`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var plans []models.Plan
	for rows.Next() {
		var p models.Plan
		if err := rows.Scan(&p.Slug, &p.MonthlyWords, &p.RequestCap, &p.PriceMonthly, &p.PriceYearly, &p.Rank, &p.Active); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (s *Service) GetPlanBySlug(ctx context.Context, slug string) (models.Plan, error) {
	var p models.Plan
	err := s.pool.QueryRow(ctx, `
		SELECT slug, monthly_words, request_cap, price_monthly, price_yearly, rank, active
		FROM plans WHERE slug = $1`, slug,
	).Scan(&p.Slug, &p.MonthlyWords, &p.RequestCap, &p.PriceMonthly, &p.PriceYearly, &p.Rank, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Plan{}, ErrInvalidPlan
	}
	return p, err
}

// GetPlanByPriceID resolves a Stripe price id to a catalog plan and its
// billing interval. Used by the reconciler to derive plans from live
// subscription objects.
func (s *Service) GetPlanByPriceID(ctx context.Context, priceID string) (models.Plan, string, error) {
	if priceID == "" {
		return models.Plan{}, "", ErrInvalidPlan
	}
	var p models.Plan
	err := s.pool.QueryRow(ctx, `
		SELECT slug, monthly_words, request_cap, price_monthly, price_yearly, rank, active
		FROM plans WHERE price_monthly = $1 OR price_yearly = $1`, priceID,
	).Scan(&p.Slug, &p.MonthlyWords, &p.RequestCap, &p.PriceMonthly, &p.PriceYearly, &p.Rank, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Plan{}, "", ErrInvalidPlan
	}
	if err != nil {
		return models.Plan{}, "", err
	}
	interval := models.IntervalMonthly
	if p.PriceYearly == priceID {
		interval = models.IntervalYearly
	}
	return p, interval, nil
}

// ========== users ==========

func (s *Service) CreateUser(ctx context.Context, email, password string) (models.User, error) {
	if email == "" || password == "" {
		return models.User{}, ErrInvalidRequest
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}
	var user models.User
	err = s.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, status)
		VALUES ($1, $2, $3)
		RETURNING id, email, password_hash, google_id, status, created_at, updated_at`,
		email, string(passwordHash), models.UserStatusActive,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.GoogleID, &user.Status, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrEmailAlreadyExists
		}
		return models.User{}, err
	}
	if err := s.grantFreeAllotment(ctx, user.ID); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// grantFreeAllotment creates the balance row with the free plan's quota.
// ON CONFLICT DO NOTHING keeps the grant a one-time event.
func (s *Service) grantFreeAllotment(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO balances (user_id, balance_words, plan)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, s.config.FreeMonthlyWords, models.PlanFree)
	return err
}

func (s *Service) GetUserByID(ctx context.Context, id int64) (models.User, error) {
	var user models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, google_id, status, created_at, updated_at
		FROM users WHERE id = $1`, id,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.GoogleID, &user.Status, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return user, err
}

func (s *Service) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	var user models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, google_id, status, created_at, updated_at
		FROM users WHERE email = $1`, email,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.GoogleID, &user.Status, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return user, err
}

func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (models.User, error) {
	if email == "" || password == "" {
		return models.User{}, ErrInvalidCredentials
	}
	user, err := s.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if user.Status != models.UserStatusActive {
		return models.User{}, ErrUserDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// GetOrCreateUserByGoogleID resolves a Google identity to a local user,
// linking by email when the account already exists, creating it (with the
// free allotment) otherwise.
func (s *Service) GetOrCreateUserByGoogleID(ctx context.Context, googleID, email string) (models.User, bool, error) {
	if googleID == "" || email == "" {
		return models.User{}, false, ErrInvalidRequest
	}

	var user models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, google_id, status, created_at, updated_at
		FROM users WHERE google_id = $1`, googleID,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.GoogleID, &user.Status, &user.CreatedAt, &user.UpdatedAt)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, false, err
	}

	existing, err := s.GetUserByEmail(ctx, email)
	if err == nil {
		_, err = s.pool.Exec(ctx, `
			UPDATE users SET google_id = $1, updated_at = NOW()
			WHERE id = $2`, googleID, existing.ID)
		if err != nil {
			return models.User{}, false, err
		}
		existing.GoogleID = &googleID
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.User{}, false, err
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO users (email, google_id, status)
		VALUES ($1, $2, $3)
		RETURNING id, email, password_hash, google_id, status, created_at, updated_at`,
		email, googleID, models.UserStatusActive,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.GoogleID, &user.Status, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return models.User{}, false, err
	}
	if err := s.grantFreeAllotment(ctx, user.ID); err != nil {
		return models.User{}, false, err
	}
	return user, true, nil
}

// DeleteAccount removes the user row; balances, membership, usage history
// and top-ups go with it via ON DELETE CASCADE.
func (s *Service) DeleteAccount(ctx context.Context, userID int64) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ========== balances ==========

func (s *Service) GetBalance(ctx context.Context, userID int64) (models.Balance, error) {
	var b models.Balance
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, balance_words, plan, updated_at
		FROM balances WHERE user_id = $1`, userID,
	).Scan(&b.UserID, &b.BalanceWords, &b.Plan, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Balance{}, ErrNotFound
	}
	return b, err
}

// DeductWords decrements the balance by words in a single statement, clamped
// at zero, and returns the remaining balance. Callers check sufficiency
// before the engine call; the clamp only matters under a concurrent race.
func (s *Service) DeductWords(ctx context.Context, userID int64, words int) (int, error) {
	if userID == 0 || words <= 0 {
		return 0, ErrInvalidRequest
	}
	var remaining int
	err := s.pool.QueryRow(ctx, `
		UPDATE balances
		SET balance_words = GREATEST(balance_words - $2, 0), updated_at = NOW()
		WHERE user_id = $1
		RETURNING balance_words`, userID, words,
	).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return remaining, err
}

// ResetBalance sets the balance to a plan's full quota. This is the refill
// operation for checkout, renewal and cancellation events; it is idempotent.
func (s *Service) ResetBalance(ctx context.Context, userID int64, plan string, words int) error {
	if userID == 0 || words < 0 {
		return ErrInvalidRequest
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO balances (user_id, balance_words, plan)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET balance_words = EXCLUDED.balance_words,
			plan = EXCLUDED.plan,
			updated_at = NOW()`, userID, words, plan)
	return err
}

// ========== memberships ==========

const membershipColumns = `user_id, plan, billing_interval, scheduled_plan, scheduled_plan_effective_at,
	stripe_customer_id, stripe_subscription_id, started_at, ends_at, active, updated_at`

func scanMembership(row pgx.Row) (models.Membership, error) {
	var m models.Membership
	err := row.Scan(&m.UserID, &m.Plan, &m.BillingInterval, &m.ScheduledPlan, &m.ScheduledPlanEffectiveAt,
		&m.StripeCustomerID, &m.StripeSubscriptionID, &m.StartedAt, &m.EndsAt, &m.Active, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Membership{}, ErrNotFound
	}
	return m, err
}

func (s *Service) GetMembership(ctx context.Context, userID int64) (models.Membership, error) {
	return scanMembership(s.pool.QueryRow(ctx, `
		SELECT `+membershipColumns+` FROM memberships WHERE user_id = $1`, userID))
}

func (s *Service) GetMembershipByCustomerID(ctx context.Context, customerID string) (models.Membership, error) {
	if customerID == "" {
		return models.Membership{}, ErrNotFound
	}
	return scanMembership(s.pool.QueryRow(ctx, `
		SELECT `+membershipColumns+` FROM memberships WHERE stripe_customer_id = $1`, customerID))
}

func (s *Service) GetMembershipBySubscriptionID(ctx context.Context, subscriptionID string) (models.Membership, error) {
	if subscriptionID == "" {
		return models.Membership{}, ErrNotFound
	}
	return scanMembership(s.pool.QueryRow(ctx, `
		SELECT `+membershipColumns+` FROM memberships WHERE stripe_subscription_id = $1`, subscriptionID))
}

// UpsertMembership writes the full membership state keyed by user_id. An
// empty incoming stripe_customer_id never clobbers a stored one, so webhook
// paths that lack the customer handle stay safe.
func (s *Service) UpsertMembership(ctx context.Context, m models.Membership) error {
	if m.UserID == 0 {
		return ErrInvalidRequest
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memberships (user_id, plan, billing_interval, scheduled_plan, scheduled_plan_effective_at,
			stripe_customer_id, stripe_subscription_id, started_at, ends_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id)
		DO UPDATE SET plan = EXCLUDED.plan,
			billing_interval = EXCLUDED.billing_interval,
			scheduled_plan = EXCLUDED.scheduled_plan,
			scheduled_plan_effective_at = EXCLUDED.scheduled_plan_effective_at,
			stripe_customer_id = CASE WHEN EXCLUDED.stripe_customer_id <> ''
				THEN EXCLUDED.stripe_customer_id ELSE memberships.stripe_customer_id END,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			started_at = EXCLUDED.started_at,
			ends_at = EXCLUDED.ends_at,
			active = EXCLUDED.active,
			updated_at = NOW()`,
		m.UserID, m.Plan, m.BillingInterval, m.ScheduledPlan, m.ScheduledPlanEffectiveAt,
		m.StripeCustomerID, m.StripeSubscriptionID, m.StartedAt, m.EndsAt, m.Active)
	return err
}

// SetStripeCustomerID persists the lazily created customer handle so the same
// user never gets a second Stripe customer.
func (s *Service) SetStripeCustomerID(ctx context.Context, userID int64, customerID string) error {
	if userID == 0 || customerID == "" {
		return ErrInvalidRequest
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memberships (user_id, stripe_customer_id, plan, active)
		VALUES ($1, $2, 'free', false)
		ON CONFLICT (user_id)
		DO UPDATE SET stripe_customer_id = EXCLUDED.stripe_customer_id, updated_at = NOW()
		WHERE memberships.stripe_customer_id = ''`, userID, customerID)
	return err
}

// SetScheduledChange records a pending plan change without touching the
// current plan, access or balance.
func (s *Service) SetScheduledChange(ctx context.Context, userID int64, targetPlan string, effectiveAt time.Time) error {
	if userID == 0 || targetPlan == "" {
		return ErrInvalidRequest
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE memberships
		SET scheduled_plan = $2, scheduled_plan_effective_at = $3, updated_at = NOW()
		WHERE user_id = $1`, userID, targetPlan, effectiveAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Service) ClearScheduledChange(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE memberships
		SET scheduled_plan = NULL, scheduled_plan_effective_at = NULL, updated_at = NOW()
		WHERE user_id = $1`, userID)
	return err
}

// DeactivateMembership applies the subscription-deleted transition: back to
// free, inactive, no subscription handle, no pending change.
func (s *Service) DeactivateMembership(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE memberships
		SET plan = 'free', active = false, stripe_subscription_id = NULL,
			scheduled_plan = NULL, scheduled_plan_effective_at = NULL, updated_at = NOW()
		WHERE user_id = $1`, userID)
	return err
}

// ========== usage history ==========

func (s *Service) AppendUsage(ctx context.Context, userID int64, input, output string, words int) (models.UsageRecord, error) {
	if userID == 0 || words <= 0 {
		return models.UsageRecord{}, ErrInvalidRequest
	}
	var rec models.UsageRecord
	err := s.pool.QueryRow(ctx, `
		INSERT INTO usage_history (user_id, input_text, output_text, words_used)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_id, input_text, output_text, words_used, created_at`,
		userID, input, output, words,
	).Scan(&rec.ID, &rec.UserID, &rec.InputText, &rec.OutputText, &rec.WordsUsed, &rec.CreatedAt)
	return rec, err
}

func (s *Service) ListUsage(ctx context.Context, userID int64, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = s.config.HistoryPageSize
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, input_text, output_text, words_used, created_at
		FROM usage_history
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.InputText, &r.OutputText, &r.WordsUsed, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Service) ClearUsage(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM usage_history WHERE user_id = $1`, userID)
	return err
}

// ========== top-ups ==========

// ApplyTopup records a top-up keyed by the Stripe payment id and credits the
// purchased words in the same transaction. A duplicate delivery hits the
// unique constraint, inserts nothing and credits nothing; applied reports
// whether this call was the one that took effect.
func (s *Service) ApplyTopup(ctx context.Context, userID int64, stripePaymentID string, words int) (bool, error) {
	if userID == 0 || stripePaymentID == "" || words <= 0 {
		return false, ErrInvalidRequest
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		INSERT INTO topups (user_id, stripe_payment_id, words_added)
		VALUES ($1, $2, $3)
		ON CONFLICT (stripe_payment_id) DO NOTHING`, userID, stripePaymentID, words)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO balances (user_id, balance_words, plan)
		VALUES ($1, $2, 'free')
		ON CONFLICT (user_id)
		DO UPDATE SET balance_words = balances.balance_words + EXCLUDED.balance_words,
			updated_at = NOW()`, userID, words)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// ========== membership history ==========

func (s *Service) AppendMembershipEvent(ctx context.Context, ev models.MembershipEvent) error {
	if ev.UserID == 0 {
		return ErrInvalidRequest
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO membership_history (user_id, plan, price_id, status, period_start, period_end)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.UserID, ev.Plan, ev.PriceID, ev.Status, ev.PeriodStart, ev.PeriodEnd)
	return err
}

func (s *Service) ListMembershipEvents(ctx context.Context, userID int64, limit int) ([]models.MembershipEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = s.config.HistoryPageSize
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, plan, price_id, status, period_start, period_end, created_at
		FROM membership_history
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []models.MembershipEvent
	for rows.Next() {
		var ev models.MembershipEvent
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Plan, &ev.PriceID, &ev.Status, &ev.PeriodStart, &ev.PeriodEnd, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
