package chat

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"supportchat/internal/config"
	"supportchat/internal/models"
)

type einoStreamer struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
}

func newEinoStreamer(ctx context.Context, provider string, provCfg config.ProviderConfig, modelName string, tools []tool.BaseTool) (*einoStreamer, error) {
	chatModel, err := newChatModel(ctx, provider, provCfg, modelName)
	if err != nil {
		return nil, err
	}
	s := &einoStreamer{chatModel: chatModel}
	if len(tools) > 0 {
		s.agent, err = react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
	}
	return s, nil
}

func newChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig, modelName string) (model.ToolCallingChatModel, error) {
	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
			ThinkingConfig: &genai.ThinkingConfig{
				IncludeThoughts: false,
			},
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

func (s *einoStreamer) Stream(ctx context.Context, msgs []models.Message, emit func(string) error) error {
	input := toSchemaMessages(msgs)
	var (
		streamReader *schema.StreamReader[*schema.Message]
		err          error
	)
	if s.agent != nil {
		streamReader, err = s.agent.Stream(ctx, input)
	} else {
		streamReader, err = s.chatModel.Stream(ctx, input)
	}
	if err != nil {
		return fmt.Errorf("generate stream: %w", err)
	}
	defer streamReader.Close()
	for {
		chunk, err := streamReader.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		if err := emit(chunk.Content); err != nil {
			return err
		}
	}
}

func toSchemaMessages(msgs []models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, msg := range msgs {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	return out
}
