package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"kalowrite/internal/engine"
	"kalowrite/internal/models"
	"kalowrite/internal/services"

	"github.com/go-chi/chi/v5/middleware"
)

type humanizeRequest struct {
	Text string `json:"text"`
}

// wordCount 按空白分词统计单词数
func wordCount(text string) int {
	return len(strings.Fields(text))
}

// handleHumanize 重写文本并扣除消耗的单词数。
// 顺序要求：余额校验在引擎调用之前，扣费在引擎成功返回之后；
// 引擎失败不扣费、不写历史。
func (s *Server) handleHumanize(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	userID := getUserIDFromContext(r.Context())
	if userID == 0 {
		respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}

	var req humanizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}

	words := wordCount(req.Text)

	bal, err := s.svc.GetBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			// 新用户还没有余额记录，按 free/0 处理
			bal = models.Balance{UserID: userID, BalanceWords: 0, Plan: models.PlanFree}
		} else {
			s.respondServiceError(w, err)
			return
		}
	}

	if bal.BalanceWords < words {
		s.respondServiceError(w, services.ErrInsufficientBalance)
		return
	}

	plan, err := s.svc.GetPlanBySlug(r.Context(), bal.Plan)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if words > plan.RequestCap {
		respondError(w, http.StatusRequestEntityTooLarge,
			errors.New("text exceeds the per-request word limit for your plan"))
		return
	}

	output, err := s.rewriter.Humanize(r.Context(), req.Text)
	if err != nil {
		log.Printf("[ERROR] [%s] humanize engine call failed for user %d: %v", reqID, userID, err)
		if errors.Is(err, engine.ErrNotConfigured) {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
		respondError(w, http.StatusBadGateway,
			errors.New("rewriting engine unavailable, please try again"))
		return
	}

	remaining, err := s.svc.DeductWords(r.Context(), userID, words)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	// 历史记录写失败不影响本次请求结果
	if _, err := s.svc.AppendUsage(r.Context(), userID, req.Text, output, words); err != nil {
		log.Printf("[ERROR] [%s] append usage history failed for user %d: %v", reqID, userID, err)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"output":            output,
		"words_used":        words,
		"balance_remaining": remaining,
	})
}
