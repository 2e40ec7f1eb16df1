package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"supportchat/internal/config"
	"supportchat/internal/models"
)

// Streamer produces a reply for msgs, handing every text fragment to emit as it arrives.
type Streamer interface {
	Stream(ctx context.Context, msgs []models.Message, emit func(string) error) error
}

// Service answers chat transcripts with the configured model provider.
type Service struct {
	streamer     Streamer
	systemPrompt string
	logger       *slog.Logger
}

// New builds the chat service for cfg.Chat.Provider.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Chat.Provider))
	provCfg, ok := cfg.Providers[provider]
	if !ok && provider != "ollama" {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	modelName := cfg.Chat.Model
	if modelName == "" {
		modelName = provCfg.Model
	}

	var (
		streamer Streamer
		err      error
	)
	switch provider {
	case "ollama":
		streamer, err = newOllamaStreamer(provCfg.BaseURL, modelName)
	default:
		tools := initToolsChain(ctx, cfg.Chat, logger)
		streamer, err = newEinoStreamer(ctx, provider, provCfg, modelName, tools)
	}
	if err != nil {
		return nil, fmt.Errorf("start chat provider %s: %w", provider, err)
	}
	logger.Info("chat service ready", "provider", provider, "model", modelName)
	return NewWithStreamer(streamer, cfg.Chat.SystemPrompt, logger), nil
}

// NewWithStreamer wraps an existing streamer.
func NewWithStreamer(streamer Streamer, systemPrompt string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{streamer: streamer, systemPrompt: systemPrompt, logger: logger}
}

// Stream validates the transcript and streams the assistant reply.
func (s *Service) Stream(ctx context.Context, msgs []models.Message, emit func(string) error) error {
	if err := validateTranscript(msgs); err != nil {
		return err
	}
	input := make([]models.Message, 0, len(msgs)+1)
	if s.systemPrompt != "" {
		input = append(input, models.Message{Role: models.RoleSystem, Content: s.systemPrompt})
	}
	input = append(input, msgs...)
	if err := s.streamer.Stream(ctx, input, emit); err != nil {
		s.logger.Warn("chat stream failed", "err", err)
		return err
	}
	return nil
}

// Validate reports whether msgs is a transcript the service can answer.
func (s *Service) Validate(msgs []models.Message) error {
	return validateTranscript(msgs)
}

func validateTranscript(msgs []models.Message) error {
	if len(msgs) == 0 {
		return errors.New("transcript is empty")
	}
	for i, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d has invalid role %q", i, m.Role)
		}
	}
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleUser || strings.TrimSpace(last.Content) == "" {
		return errors.New("transcript must end with a user message")
	}
	return nil
}
