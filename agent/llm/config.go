package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"

	contractx "github.com/tanpawarit/skyplanner/agent/contract"
	anthropicx "github.com/tanpawarit/skyplanner/pkg/anthropic"
	openrouterx "github.com/tanpawarit/skyplanner/pkg/openrouter"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
)

type Config struct {
	Provider           string        `envconfig:"PROVIDER" split_words:"true" default:"openrouter"`
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.2"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"60s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	AnthropicBaseURL string `envconfig:"ANTHROPIC_BASE_URL" split_words:"true"`
	AnthropicAPIKey  string `envconfig:"ANTHROPIC_API_KEY" split_words:"true"`
	AnthropicModel   string `envconfig:"ANTHROPIC_MODEL" split_words:"true" default:"claude-3-7-sonnet-latest"`

	PlannerModel       string  `envconfig:"PLANNER_MODEL" split_words:"true"`
	TitleModel         string  `envconfig:"TITLE_MODEL" split_words:"true"`
	PlannerTemperature float32 `envconfig:"PLANNER_TEMPERATURE" split_words:"true" default:"-1"`
	TitleTemperature   float32 `envconfig:"TITLE_TEMPERATURE" split_words:"true" default:"-1"`
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Provider)) {
	case "", ProviderOpenRouter:
		if strings.TrimSpace(c.APIKey) == "" {
			return fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
		}
		if strings.TrimSpace(c.Model) == "" {
			return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
		}
	case ProviderAnthropic:
		if strings.TrimSpace(c.AnthropicAPIKey) == "" {
			return fmt.Errorf("%w: anthropic api key is required", contractx.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unsupported llm provider %q", contractx.ErrValidation, c.Provider)
	}
	return nil
}

func (c Config) OpenRouterFor(agentType contractx.AgentType) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	switch agentType {
	case contractx.AgentTypePlanner:
		if v := strings.TrimSpace(c.PlannerModel); v != "" {
			modelName = v
		}
		if c.PlannerTemperature >= 0 {
			temp = c.PlannerTemperature
		}
	case contractx.AgentTypeTitle:
		if v := strings.TrimSpace(c.TitleModel); v != "" {
			modelName = v
		}
		if c.TitleTemperature >= 0 {
			temp = c.TitleTemperature
		}
	}

	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}

func (c Config) AnthropicFor(agentType contractx.AgentType) anthropicx.Config {
	temp := c.Temperature
	switch agentType {
	case contractx.AgentTypePlanner:
		if c.PlannerTemperature >= 0 {
			temp = c.PlannerTemperature
		}
	case contractx.AgentTypeTitle:
		if c.TitleTemperature >= 0 {
			temp = c.TitleTemperature
		}
	}
	return anthropicx.Config{
		BaseURL:     strings.TrimSpace(c.AnthropicBaseURL),
		APIKey:      strings.TrimSpace(c.AnthropicAPIKey),
		Model:       strings.TrimSpace(c.AnthropicModel),
		MaxTokens:   c.MaxCompletionToken,
		Temperature: temp,
		Timeout:     c.Timeout,
	}
}

// ChatModelFor builds the chat model of the configured provider.
func (c Config) ChatModelFor(ctx context.Context, agentType contractx.AgentType) (einomodel.BaseChatModel, error) {
	if strings.EqualFold(strings.TrimSpace(c.Provider), ProviderAnthropic) {
		m, err := anthropicx.New(c.AnthropicFor(agentType))
		if err != nil {
			return nil, fmt.Errorf("%w: create %s model: %v", contractx.ErrModelInvoke, agentType, err)
		}
		return m, nil
	}

	cfg := c.OpenRouterFor(agentType)
	m, err := cfg.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s model: %v", contractx.ErrModelInvoke, agentType, err)
	}
	return m, nil
}
