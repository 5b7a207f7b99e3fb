package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openaisdk "github.com/openai/openai-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
)

const (
	maxTitleRunes      = 50
	fallbackTitleRunes = 47
)

// Titler names sessions with a small model call and falls back to the truncated
// first message when the model is missing or fails.
type Titler struct {
	complete func(ctx context.Context, systemPrompt, message string) (string, error)
	prompt   string
	logger   zerolog.Logger
}

var _ contractx.TitleGenerator = (*Titler)(nil)

// NewOpenAITitler uses an OpenAI-compatible chat completions client. A nil client
// yields fallback titles only.
func NewOpenAITitler(client *openaisdk.Client, modelName string, temperature float32, prompt string) *Titler {
	t := newTitler(prompt)
	if client == nil {
		return t
	}
	t.complete = func(ctx context.Context, systemPrompt, message string) (string, error) {
		resp, err := client.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
			Model: openaisdk.ChatModel(modelName),
			Messages: []openaisdk.ChatCompletionMessageParamUnion{
				openaisdk.SystemMessage(systemPrompt),
				openaisdk.UserMessage(message),
			},
			MaxCompletionTokens: openaisdk.Int(32),
			Temperature:         openaisdk.Float(float64(temperature)),
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("no choices")
		}
		return resp.Choices[0].Message.Content, nil
	}
	return t
}

// NewChatModelTitler uses any eino chat model.
func NewChatModelTitler(chatModel einomodel.BaseChatModel, prompt string) *Titler {
	t := newTitler(prompt)
	if chatModel == nil {
		return t
	}
	t.complete = func(ctx context.Context, systemPrompt, message string) (string, error) {
		msg, err := chatModel.Generate(ctx, []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(message),
		})
		if err != nil {
			return "", err
		}
		return msg.Content, nil
	}
	return t
}

func newTitler(prompt string) *Titler {
	return &Titler{
		prompt: strings.TrimSpace(prompt),
		logger: log.With().Str("component", "titler").Logger(),
	}
}

func (t *Titler) Title(ctx context.Context, firstMessage string) (string, error) {
	firstMessage = strings.TrimSpace(firstMessage)
	if firstMessage == "" {
		return "", fmt.Errorf("%w: first message is empty", contractx.ErrValidation)
	}
	if t.complete == nil {
		return FallbackTitle(firstMessage), nil
	}

	raw, err := t.complete(ctx, t.prompt, firstMessage)
	if err != nil {
		t.logger.Warn().Err(err).Msg("title generation failed, using fallback")
		return FallbackTitle(firstMessage), nil
	}
	title := strings.Trim(strings.TrimSpace(raw), "\"'`.")
	if title == "" {
		return FallbackTitle(firstMessage), nil
	}
	return truncateRunes(title, maxTitleRunes), nil
}

// FallbackTitle is the message cut to 47 characters, with "..." when it was longer.
func FallbackTitle(message string) string {
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) <= fallbackTitleRunes {
		return message
	}
	return truncateRunes(message, fallbackTitleRunes) + "..."
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
