package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"kalowrite/internal/config"
	"kalowrite/internal/engine"
	"kalowrite/internal/models"
	"kalowrite/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stripe/stripe-go/v76"
)

// Store 是 handler 依赖的持久层操作集合，*services.Service 是生产实现
type Store interface {
	CreateUser(ctx context.Context, email, password string) (models.User, error)
	AuthenticateUser(ctx context.Context, email, password string) (models.User, error)
	GetOrCreateUserByGoogleID(ctx context.Context, googleID, email string) (models.User, bool, error)
	GetUserByID(ctx context.Context, id int64) (models.User, error)
	DeleteAccount(ctx context.Context, userID int64) error

	ListPlans(ctx context.Context) ([]models.Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (models.Plan, error)
	GetPlanByPriceID(ctx context.Context, priceID string) (models.Plan, string, error)

	GetBalance(ctx context.Context, userID int64) (models.Balance, error)
	DeductWords(ctx context.Context, userID int64, words int) (int, error)
	ResetBalance(ctx context.Context, userID int64, plan string, words int) error
	ApplyTopup(ctx context.Context, userID int64, stripePaymentID string, words int) (bool, error)

	GetMembership(ctx context.Context, userID int64) (models.Membership, error)
	GetMembershipByCustomerID(ctx context.Context, customerID string) (models.Membership, error)
	GetMembershipBySubscriptionID(ctx context.Context, subscriptionID string) (models.Membership, error)
	UpsertMembership(ctx context.Context, m models.Membership) error
	SetStripeCustomerID(ctx context.Context, userID int64, customerID string) error
	SetScheduledChange(ctx context.Context, userID int64, targetPlan string, effectiveAt time.Time) error
	ClearScheduledChange(ctx context.Context, userID int64) error
	DeactivateMembership(ctx context.Context, userID int64) error

	AppendUsage(ctx context.Context, userID int64, input, output string, words int) (models.UsageRecord, error)
	ListUsage(ctx context.Context, userID int64, limit int) ([]models.UsageRecord, error)
	ClearUsage(ctx context.Context, userID int64) error
	AppendMembershipEvent(ctx context.Context, ev models.MembershipEvent) error
	ListMembershipEvents(ctx context.Context, userID int64, limit int) ([]models.MembershipEvent, error)
}

type Server struct {
	svc      Store
	cfg      config.Config
	rewriter *engine.Client
}

func NewServer(svc Store, rewriter *engine.Client, cfg config.Config) *Server {
	if cfg.StripeSecretKey != "" {
		stripe.Key = cfg.StripeSecretKey
	}
	return &Server{svc: svc, cfg: cfg, rewriter: rewriter}
}

// loggingRecoverer 自定义的 panic 恢复中间件，记录详细的错误信息
func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				reqID := middleware.GetReqID(r.Context())
				log.Printf("[ERROR] [%s] Panic recovered in %s %s: %v\n%s",
					reqID, r.Method, r.URL.Path, rvr, debug.Stack())

				if r.Header.Get("Connection") != "Upgrade" {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					errMsg := fmt.Sprintf("internal server error: %v", rvr)
					_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg})
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger 记录请求日志的中间件
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			reqID := middleware.GetReqID(r.Context())
			log.Printf("[%s] %s %s %d %s",
				reqID, r.Method, r.URL.Path, ww.Status(), time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		// 公开接口
		r.Post("/auth/signup", s.handleSignup)
		r.Post("/auth/login", s.handleLogin)
		r.Get("/auth/google", s.handleGoogleLogin)
		r.Get("/auth/google/callback", s.handleGoogleCallback)
		r.Get("/plans", s.handleListPlans)
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		// 需要认证的用户接口
		r.Group(func(r chi.Router) {
			r.Use(s.jwtMiddleware)

			r.Post("/humanize", s.handleHumanize)
			r.Get("/me/balance", s.handleGetBalance)
			r.Get("/membership", s.handleGetMembership)
			r.Get("/membership/history", s.handleListMembershipEvents)
			r.Get("/history", s.handleListHistory)
			r.Delete("/history", s.handleClearHistory)
			r.Delete("/account", s.handleDeleteAccount)

			r.Post("/billing/checkout", s.handleCreateCheckout)
			r.Post("/billing/topup", s.handleCreateTopup)
			r.Post("/billing/portal", s.handleCreatePortal)
			r.Post("/billing/cancel", s.handleScheduleCancel)
		})
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, errors.New("email and password are required"))
		return
	}
	user, err := s.svc.CreateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	token, err := s.generateJWT(user.ID, user.Email)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"token": token,
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, errors.New("email and password are required"))
		return
	}

	user, err := s.svc.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	token, err := s.generateJWT(user.ID, user.Email)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
	})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.svc.ListPlans(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plans)
}

// handleGetBalance 查询当前用户余额，无记录时返回 {0, "free"}
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	bal, err := s.svc.GetBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			respondJSON(w, http.StatusOK, map[string]any{"balance": 0, "plan": "free"})
			return
		}
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"balance": bal.BalanceWords,
		"plan":    bal.Plan,
	})
}

func (s *Server) handleGetMembership(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	m, err := s.svc.GetMembership(r.Context(), userID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			respondJSON(w, http.StatusOK, map[string]any{"plan": "free", "active": false})
			return
		}
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"plan":                        m.Plan,
		"billing_interval":            m.BillingInterval,
		"active":                      m.Active,
		"started_at":                  m.StartedAt,
		"ends_at":                     m.EndsAt,
		"scheduled_plan":              m.ScheduledPlan,
		"scheduled_plan_effective_at": m.ScheduledPlanEffectiveAt,
	})
}

func (s *Server) handleListMembershipEvents(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	events, err := s.svc.ListMembershipEvents(r.Context(), userID, parseLimit(r))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	records, err := s.svc.ListUsage(r.Context(), userID, parseLimit(r))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	if err := s.svc.ClearUsage(r.Context(), userID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondOK(w)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	if err := s.svc.DeleteAccount(r.Context(), userID); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondOK(w)
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrInsufficientBalance):
		respondError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, services.ErrInvalidPlan):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrNoSubscription):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrNoActiveSubscription):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrStripeNotConfigured):
		respondError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, services.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, err)
	case errors.Is(err, services.ErrEmailAlreadyExists):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, services.ErrUserDisabled):
		respondError(w, http.StatusForbidden, err)
	default:
		log.Printf("[ERROR] Internal server error: %v", err)
		respondError(w, http.StatusInternalServerError, err)
	}
}

func parseLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 0
}
