package server

import (
	"net/http"
)

type callbackPage struct {
	Title   string
	Message string
	OK      bool
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil {
		http.NotFound(w, r)
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Callback rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		s.logger.Info("Authorization declined", "ip", ip, "reason", denied)
		s.render(w, http.StatusOK, callbackPage{
			Title:   "Authorization cancelled",
			Message: "No calendar access was granted. You can run /auth in Telegram again at any time.",
		})
		return
	}

	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		s.render(w, http.StatusBadRequest, callbackPage{
			Title:   "Invalid request",
			Message: "The authorization response is missing its state or code.",
		})
		return
	}

	userID, err := s.auth.CompleteCallback(r.Context(), state, code)
	if err != nil {
		if s.isGone(err) {
			s.render(w, http.StatusBadRequest, callbackPage{
				Title:   "Link expired",
				Message: "This authorization link is no longer valid. Run /auth in Telegram for a new one.",
			})
			return
		}
		s.logger.Error("OAuth callback failed", "user_id", userID, "ip", ip, "error", err)
		s.render(w, http.StatusBadGateway, callbackPage{
			Title:   "Authorization failed",
			Message: "Google did not accept the authorization. Please run /auth again.",
		})
		return
	}

	s.logger.Info("OAuth callback completed", "user_id", userID, "ip", ip)
	s.notifyConnected(r, userID)
	s.render(w, http.StatusOK, callbackPage{
		Title:   "Calendar connected",
		Message: "You can close this page and return to Telegram.",
		OK:      true,
	})
}

func (s *Server) notifyConnected(r *http.Request, userID int64) {
	if s.users == nil || s.replier == nil {
		return
	}
	user, err := s.users.User(r.Context(), userID)
	if err != nil {
		s.logger.Warn("Failed to load user after authorization", "user_id", userID, "error", err)
		return
	}
	if err := s.replier.SendText(r.Context(), user.ChatID, "✅ Calendar connected. Run /check to see your meetings."); err != nil {
		s.logger.Warn("Failed to confirm authorization in chat", "user_id", userID, "error", err)
	}
}

func (s *Server) render(w http.ResponseWriter, status int, page callbackPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, "callback.tmpl", page); err != nil {
		s.logger.Error("Failed to render template", "template", "callback.tmpl", "error", err)
	}
}
