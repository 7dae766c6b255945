package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleUserInfo Google 用户信息结构
type GoogleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func (s *Server) googleOAuthConfig() (*oauth2.Config, error) {
	if !s.cfg.GoogleOAuthConfigured() {
		return nil, errors.New("Google OAuth not configured")
	}
	return &oauth2.Config{
		ClientID:     s.cfg.GoogleClientID,
		ClientSecret: s.cfg.GoogleClientSecret,
		RedirectURL:  s.cfg.GoogleRedirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
		Endpoint: google.Endpoint,
	}, nil
}

// generateCSRFToken 生成随机 CSRF 令牌
func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// handleGoogleLogin 重定向用户到 Google 授权页面
func (s *Server) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	config, err := s.googleOAuthConfig()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}

	state, err := generateCSRFToken()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	// state 参数会被 Google 原样返回，避免了跨域 cookie 问题
	url := config.AuthCodeURL(state, oauth2.AccessTypeOffline)
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// handleGoogleCallback 处理 Google OAuth 回调
func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	config, err := s.googleOAuthConfig()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}

	frontendCallbackURL := s.cfg.GoogleFrontendCallbackURL

	redirectWithError := func(errMsg string) {
		if frontendCallbackURL != "" {
			redirectURL := frontendCallbackURL + "?error=" + errMsg
			http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
		} else {
			respondError(w, http.StatusBadRequest, errors.New(errMsg))
		}
	}

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		redirectWithError("oauth_error")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		redirectWithError("missing_code")
		return
	}

	token, err := config.Exchange(context.Background(), code)
	if err != nil {
		redirectWithError("token_exchange_failed")
		return
	}

	userInfo, err := s.getGoogleUserInfo(config, token)
	if err != nil {
		redirectWithError("get_user_info_failed")
		return
	}

	if !userInfo.VerifiedEmail {
		redirectWithError("email_not_verified")
		return
	}

	user, isNewUser, err := s.svc.GetOrCreateUserByGoogleID(r.Context(), userInfo.ID, userInfo.Email)
	if err != nil {
		redirectWithError("create_user_failed")
		return
	}

	if user.Status != "active" {
		redirectWithError("user_disabled")
		return
	}

	jwtToken, err := s.generateJWT(user.ID, user.Email)
	if err != nil {
		redirectWithError("token_generation_failed")
		return
	}

	if frontendCallbackURL != "" {
		isNewUserStr := "false"
		if isNewUser {
			isNewUserStr = "true"
		}
		redirectURL := frontendCallbackURL + "?token=" + jwtToken + "&is_new_user=" + isNewUserStr
		http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"token":       jwtToken,
		"is_new_user": isNewUser,
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
	})
}

// getGoogleUserInfo 使用访问令牌获取 Google 用户信息
func (s *Server) getGoogleUserInfo(config *oauth2.Config, token *oauth2.Token) (*GoogleUserInfo, error) {
	client := config.Client(context.Background(), token)

	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return nil, errors.New("failed to get user info: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("failed to get user info: unexpected status code")
	}

	var userInfo GoogleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return nil, errors.New("failed to decode user info: " + err.Error())
	}

	return &userInfo, nil
}
