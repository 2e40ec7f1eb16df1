package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmaxmax/go-sse"

	"supportchat/internal/session"
)

var (
	snapshotSSEType = sse.Type("snapshot")
	ackSSEType      = sse.Type("ack")
	deltaSSEType    = sse.Type("delta")
	doneSSEType     = sse.Type("done")
	errorSSEType    = sse.Type("error")
)

type sessionKeyContextKey struct{}

func sessionTopic(key string) string {
	return fmt.Sprintf("session-%s", key)
}

// Events fans controller snapshots out to the browser sessions listening on
// GET /api/session/events. Every browser session has its own topic.
type Events struct {
	srv    *sse.Server
	logger *slog.Logger
}

func NewEvents(logger *slog.Logger) *Events {
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{
		srv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				key, _ := s.Req.Context().Value(sessionKeyContextKey{}).(string)
				if key == "" {
					return sse.Subscription{}, false
				}
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, sessionTopic(key)},
				}, true
			},
		},
		logger: logger,
	}
}

// PublishSnapshot sends snap to every listener of the browser session key.
func (e *Events) PublishSnapshot(key string, snap session.Snapshot) {
	msg, err := jsonMessage(snapshotSSEType, snap)
	if err != nil {
		e.logger.Warn("encode snapshot failed", "session", key, "err", err)
		return
	}
	if err := e.srv.Publish(msg, sessionTopic(key)); err != nil {
		e.logger.Debug("publish snapshot failed", "session", key, "err", err)
	}
}

// ServeHTTP subscribes the request to its browser session topic.
func (e *Events) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.srv.ServeHTTP(w, r)
}

// Shutdown tells listeners to go away and waits up to 5 seconds for them to disconnect.
func (e *Events) Shutdown(ctx context.Context) error {
	bye := &sse.Message{Type: sse.Type("close")}
	bye.AppendData("bye")
	_ = e.srv.Publish(bye)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return e.srv.Shutdown(ctx)
}

func jsonMessage(typ sse.EventType, payload any) (*sse.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg := &sse.Message{Type: typ}
	msg.AppendData(string(data))
	return msg, nil
}
