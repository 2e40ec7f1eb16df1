package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"supportchat/internal/models"
	"supportchat/internal/service/chat"
)

const (
	chatStreamTimeout = 2 * time.Minute
	toolSessionHeader = "X-Session-Key"
)

// chatStream is the chat endpoint: it takes the transcript as a JSON array of {role, content}
// and answers with the reply as raw streamed text.
func (h *Handler) chatStream(c *gin.Context) {
	var msgs []models.Message
	if err := c.ShouldBindJSON(&msgs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.chat.Validate(msgs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	toolKey := c.GetHeader(toolSessionHeader)
	if toolKey == "" {
		toolKey = c.ClientIP()
	}
	ctx, cancel := context.WithTimeout(chat.WithToolSession(c.Request.Context(), toolKey), chatStreamTimeout)
	defer cancel()

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	started := false
	err := h.chat.Stream(ctx, msgs, func(delta string) error {
		if !started {
			c.Status(http.StatusOK)
			started = true
		}
		if _, err := io.WriteString(c.Writer, delta); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		h.logger.Warn("chat endpoint stream failed", "started", started, "err", err)
		if !started {
			c.JSON(http.StatusBadGateway, gin.H{"error": "reply unavailable"})
		}
		// headers are already out, the body just ends early
		return
	}
	if !started {
		c.Status(http.StatusOK)
	}
}
