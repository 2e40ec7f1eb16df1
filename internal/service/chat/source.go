package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "supportchat/internal/errors"
	"supportchat/internal/models"
)

// HTTPSource opens reply streams from a remote chat endpoint.
type HTTPSource struct {
	Endpoint string
	Client   *http.Client
}

// Open posts the transcript as a JSON array of {role, content} and returns the raw reply body.
func (s HTTPSource) Open(ctx context.Context, msgs []models.Message) (io.ReadCloser, error) {
	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, apperrors.NewStreamError(fmt.Errorf("marshal transcript: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewStreamError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.NewStreamError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperrors.NewStreamError(fmt.Errorf("chat endpoint: %s: %s", resp.Status, strings.TrimSpace(string(detail))))
	}
	return resp.Body, nil
}

// LocalSource streams replies from an in-process chat service.
type LocalSource struct {
	Service *Service
}

// Open starts the reply in the background and returns its text as a byte stream.
func (s LocalSource) Open(ctx context.Context, msgs []models.Message) (io.ReadCloser, error) {
	if err := validateTranscript(msgs); err != nil {
		return nil, apperrors.NewStreamError(err)
	}
	pr, pw := io.Pipe()
	go func() {
		err := s.Service.Stream(ctx, msgs, func(delta string) error {
			_, err := io.WriteString(pw, delta)
			return err
		})
		pw.CloseWithError(err)
	}()
	return pr, nil
}
