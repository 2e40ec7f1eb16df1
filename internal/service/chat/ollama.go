package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"supportchat/internal/models"
)

const defaultOllamaURL = "http://127.0.0.1:11434"

type ollamaStreamer struct {
	client *api.Client
	model  string
}

func newOllamaStreamer(baseURL, modelName string) (*ollamaStreamer, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if modelName == "" {
		return nil, errors.New("ollama model is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	return &ollamaStreamer{
		client: api.NewClient(u, &http.Client{}),
		model:  modelName,
	}, nil
}

func (s *ollamaStreamer) Stream(ctx context.Context, msgs []models.Message, emit func(string) error) error {
	messages := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		messages = append(messages, api.Message{Role: string(m.Role), Content: m.Content})
	}
	stream := true
	req := &api.ChatRequest{
		Model:    s.model,
		Messages: messages,
		Stream:   &stream,
	}
	err := s.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		if resp.Message.Content == "" {
			return nil
		}
		return emit(resp.Message.Content)
	})
	if err != nil {
		return fmt.Errorf("ollama chat: %w", err)
	}
	return nil
}
