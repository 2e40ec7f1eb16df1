package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"supportchat/internal/auth"
	apperrors "supportchat/internal/errors"
	"supportchat/internal/models"
	"supportchat/internal/service/chat"
	"supportchat/internal/session"
)

const (
	sessionCookieName     = "sid"
	sessionKeyContextName = "session_key"
)

// Handler wires HTTP routes to the account services and the per-browser-session controllers.
type Handler struct {
	auth     *auth.Service
	accounts *auth.Accounts
	notifier *auth.Notifier
	sessions *session.Registry
	events   *Events
	chat     *chat.Service
	logger   *slog.Logger
}

// Options carries the collaborators of a Handler. Chat may be nil when replies come from an
// external chat endpoint.
type Options struct {
	Auth     *auth.Service
	Accounts *auth.Accounts
	Notifier *auth.Notifier
	Sessions *session.Registry
	Events   *Events
	Chat     *chat.Service
	Logger   *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := opts.Events
	if events == nil {
		events = NewEvents(logger)
	}
	return &Handler{
		auth:     opts.Auth,
		accounts: opts.Accounts,
		notifier: opts.Notifier,
		sessions: opts.Sessions,
		events:   events,
		chat:     opts.Chat,
		logger:   logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	if h.chat != nil {
		api.POST("/chat", h.chatStream)
	}

	authRoutes := api.Group("/auth", h.browserSession())
	authRoutes.POST("/register", h.register)
	authRoutes.POST("/login", h.login)
	authRoutes.POST("/logout", h.auth.CSRFMiddleware(), h.logout)
	authRoutes.DELETE("/account", h.auth.Middleware(), h.auth.CSRFMiddleware(), h.deleteAccount)

	sessionRoutes := api.Group("/session", h.browserSession(), h.auth.CSRFMiddleware())
	sessionRoutes.GET("", h.getSnapshot)
	sessionRoutes.GET("/events", h.subscribeEvents)
	sessionRoutes.POST("/messages", h.sendMessage)
	sessionRoutes.POST("/new", h.newChat)
	sessionRoutes.POST("/history/toggle", h.toggleHistory)
	sessionRoutes.POST("/history/:id", h.viewConversation)
}

// browserSession assigns the sid cookie and publishes the identity behind the request's
// auth token, so the session's controller follows sign in and sign out.
func (h *Handler) browserSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := c.Cookie(sessionCookieName)
		if err != nil || key == "" {
			key = uuid.NewString()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(sessionCookieName, key, 0, "/", "", gin.Mode() == gin.ReleaseMode, true)
		}
		identity := h.accounts.Resolve(c.Request.Context(), h.auth.ExtractToken(c))
		h.notifier.Sync(c.Request.Context(), key, identity)

		c.Set(sessionKeyContextName, key)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), sessionKeyContextKey{}, key))
		c.Next()
	}
}

func sessionKey(c *gin.Context) string {
	return c.GetString(sessionKeyContextName)
}

func (h *Handler) controller(c *gin.Context) (*session.Controller, bool) {
	ctrl, err := h.sessions.Get(sessionKey(c))
	if err != nil {
		h.logger.Error("start session failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
		return nil, false
	}
	return ctrl, true
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	identity, token, err := h.accounts.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Info("sign in failed", "err", errors.Unwrap(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.auth.IssueCSRFCookie(c); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.auth.SetAuthCookie(c, token)
	h.notifier.Publish(c.Request.Context(), sessionKey(c), identity)
	c.JSON(http.StatusOK, gin.H{
		"user_id":    identity.UserID,
		"email":      identity.Email,
		"auth_token": token,
	})
}

func (h *Handler) logout(c *gin.Context) {
	if token := h.auth.ExtractToken(c); token != "" {
		if err := h.accounts.SignOut(c.Request.Context(), token); err != nil {
			h.logger.Warn("revoke token failed", "err", err)
		}
	}
	h.auth.ClearAuthCookie(c)
	h.notifier.Publish(c.Request.Context(), sessionKey(c), models.Anonymous())
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteAccount(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	if err := h.accounts.DeleteUser(c.Request.Context(), userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.auth.ClearAuthCookie(c)
	h.notifier.Publish(c.Request.Context(), sessionKey(c), models.Anonymous())
	c.Status(http.StatusNoContent)
}

func (h *Handler) getSnapshot(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ctrl.Snapshot())
}

func (h *Handler) subscribeEvents(c *gin.Context) {
	// make sure the controller exists so there is something to publish
	if _, ok := h.controller(c); !ok {
		return
	}
	h.events.ServeHTTP(c.Writer, c.Request)
}

type messageRequest struct {
	Content string `json:"content"`
}

// sendMessage submits the user's message and streams the reply back as ack, delta..., then
// done or error events.
func (h *Handler) sendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": session.ErrEmptyMessage.Error()})
		return
	}
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	if snap := ctrl.Snapshot(); !snap.InputEnabled || snap.Sending {
		c.JSON(http.StatusConflict, gin.H{"error": session.ErrInputDisabled.Error()})
		return
	}

	stream, err := sse.Upgrade(c.Writer, c.Request)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	send := func(typ sse.EventType, payload any) error {
		msg, err := jsonMessage(typ, payload)
		if err != nil {
			return err
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
		return stream.Flush()
	}
	if err := send(ackSSEType, gin.H{"content": req.Content}); err != nil {
		return
	}

	full, err := ctrl.Send(c.Request.Context(), req.Content, func(delta string) error {
		return send(deltaSSEType, gin.H{"content": delta})
	})
	if err != nil {
		_ = send(errorSSEType, gin.H{"message": sendErrorMessage(err), "content": full})
		return
	}
	_ = send(doneSSEType, gin.H{
		"content":         full,
		"conversation_id": ctrl.Snapshot().ConversationID,
	})
}

func sendErrorMessage(err error) string {
	if apperrors.IsStreamError(err) {
		return apperrors.ErrStream.Error()
	}
	return err.Error()
}

func (h *Handler) newChat(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	ctrl.NewChat()
	c.JSON(http.StatusOK, ctrl.Snapshot())
}

func (h *Handler) viewConversation(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	if err := ctrl.ViewConversation(c.Param("id")); err != nil {
		if errors.Is(err, session.ErrUnknownConversation) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ctrl.Snapshot())
}

func (h *Handler) toggleHistory(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	if !ctrl.Identity().SignedIn() {
		c.JSON(http.StatusForbidden, gin.H{"error": "sign in to see your history"})
		return
	}
	ctrl.ToggleHistory()
	c.JSON(http.StatusOK, ctrl.Snapshot())
}
