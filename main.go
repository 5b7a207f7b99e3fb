package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	orchestratorx "github.com/tanpawarit/skyplanner/agent/agents/orchestrator"
	"github.com/tanpawarit/skyplanner/agent/capability"
	contractx "github.com/tanpawarit/skyplanner/agent/contract"
	"github.com/tanpawarit/skyplanner/agent/itinerary"
	llmx "github.com/tanpawarit/skyplanner/agent/llm"
	plannerx "github.com/tanpawarit/skyplanner/agent/planner"
	promptx "github.com/tanpawarit/skyplanner/agent/prompt"
	statex "github.com/tanpawarit/skyplanner/agent/state"
	configx "github.com/tanpawarit/skyplanner/pkg/config"
	_ "github.com/tanpawarit/skyplanner/pkg/logger/autoload"
	openrouterx "github.com/tanpawarit/skyplanner/pkg/openrouter"
	tracerx "github.com/tanpawarit/skyplanner/pkg/tracer"
)

type AppConfig struct {
	StoreBackend   string        `envconfig:"STORE_BACKEND" default:"memory"`
	SessionTTL     time.Duration `envconfig:"SESSION_TTL" default:"24h"`
	TurnBudget     int           `envconfig:"TURN_BUDGET" default:"8"`
	MaxCorrections int           `envconfig:"MAX_CORRECTIONS" default:"2"`
	Timezone       string        `envconfig:"TIMEZONE" default:"UTC"`
	// Freshness overrides cache windows per capability, e.g. "weather:15m,search:2h".
	Freshness map[string]time.Duration `envconfig:"FRESHNESS"`
}

func (c AppConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.StoreBackend)) {
	case "memory", "upstash", "redis", "sql":
	default:
		return fmt.Errorf("%w: unsupported STORE_BACKEND %q", contractx.ErrValidation, c.StoreBackend)
	}
	if c.SessionTTL < 0 || c.TurnBudget <= 0 || c.MaxCorrections < 0 {
		return fmt.Errorf("%w: SESSION_TTL, TURN_BUDGET and MAX_CORRECTIONS must not be negative", contractx.ErrValidation)
	}
	for name, window := range c.Freshness {
		if window <= 0 {
			return fmt.Errorf("%w: FRESHNESS window for %q must be positive", contractx.ErrValidation, name)
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w: TIMEZONE: %v", contractx.ErrValidation, err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	appCfg := configx.MustNew[AppConfig]("")

	shutdown, err := tracerx.Init(ctx, *configx.MustNew[tracerx.Config]("OTEL"))
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	}
	defer func() { _ = shutdown(context.Background()) }()

	backend, err := newBackend(ctx, appCfg.StoreBackend)
	if err != nil {
		log.Fatal().Err(err).Str("backend", appCfg.StoreBackend).Msg("failed to initialize store backend")
	}
	storeOpts := []statex.StoreOption{statex.WithTTL(appCfg.SessionTTL)}
	for name, window := range appCfg.Freshness {
		storeOpts = append(storeOpts, statex.WithFreshness(name, window))
	}
	store, err := statex.NewStore(backend, storeOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}

	prompts := promptx.LoadPromptSet()
	if err := prompts.Validate(); err != nil {
		log.Fatal().Err(err).Msg("prompts missing")
	}

	llmCfg := configx.MustNew[llmx.Config]("LLM")
	plannerModel, err := llmCfg.ChatModelFor(ctx, contractx.AgentTypePlanner)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize planner model")
	}
	planner, err := plannerx.New(ctx, plannerModel, prompts.Planner)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize planner")
	}
	titles, err := newTitler(ctx, *llmCfg, prompts.Title)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize title generator")
	}

	registry, err := capability.NewRegistry(newAdapters()...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register capabilities")
	}
	dispatcher, err := capability.NewDispatcher(registry, store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize dispatcher")
	}

	orch, err := orchestratorx.New(store, planner, dispatcher, titles, orchestratorx.Config{
		Timezone:       appCfg.Timezone,
		TurnBudget:     appCfg.TurnBudget,
		MaxCorrections: appCfg.MaxCorrections,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize orchestrator")
	}

	runREPL(ctx, orch)
}

func newBackend(ctx context.Context, kind string) (statex.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "upstash":
		cfg := configx.MustNew[statex.UpstashRedisConfig]("UPSTASH_REDIS")
		return statex.NewUpstashRedisBackend(*cfg)
	case "redis":
		cfg := configx.MustNew[statex.RedisConfig]("REDIS")
		rdb := statex.NewRedisClient(*cfg)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return statex.NewRedisBackend(rdb, statex.WithKeyPrefix(cfg.KeyPrefix))
	case "sql":
		cfg := configx.MustNew[statex.SQLConfig]("SQL")
		db, err := statex.OpenSQL(*cfg)
		if err != nil {
			return nil, err
		}
		b, err := statex.NewSQLBackend(db)
		if err != nil {
			return nil, err
		}
		if err := b.Migrate(ctx); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return statex.NewMemoryBackend(), nil
	}
}

func newTitler(ctx context.Context, cfg llmx.Config, prompt string) (*plannerx.Titler, error) {
	if strings.EqualFold(strings.TrimSpace(cfg.Provider), llmx.ProviderAnthropic) {
		m, err := cfg.ChatModelFor(ctx, contractx.AgentTypeTitle)
		if err != nil {
			return nil, err
		}
		return plannerx.NewChatModelTitler(m, prompt), nil
	}

	titleCfg := cfg.OpenRouterFor(contractx.AgentTypeTitle)
	client := openrouterx.NewClient(titleCfg)
	if client == nil {
		return nil, fmt.Errorf("%w: openrouter client", contractx.ErrValidation)
	}
	return plannerx.NewOpenAITitler(client, titleCfg.Model, titleCfg.Temperature, prompt), nil
}

// newAdapters registers every capability whose configuration is complete. A missing
// provider key only removes that capability from the planner catalog.
func newAdapters() []capability.Adapter {
	var adapters []capability.Adapter

	if cfg, err := configx.New[capability.WeatherConfig]("OPENWEATHER"); err != nil {
		log.Warn().Err(err).Msg("weather capability disabled")
	} else {
		adapters = append(adapters, capability.Wrap(
			capability.NewWeatherSource(*cfg, &http.Client{}),
			policyWithTimeout(cfg.Timeout),
		))
	}

	if cfg, err := configx.New[capability.CalendarConfig]("GOOGLE_CALENDAR"); err != nil {
		log.Warn().Err(err).Msg("calendar capability disabled")
	} else if src, err := capability.NewCalendarSource(*cfg, cfg.TokenSource(), &http.Client{}); err != nil {
		log.Warn().Err(err).Msg("calendar capability disabled")
	} else {
		adapters = append(adapters, capability.Wrap(src, policyWithTimeout(cfg.Timeout)))
	}

	if cfg, err := configx.New[capability.SearchConfig]("TAVILY"); err != nil {
		log.Warn().Err(err).Msg("search capability disabled")
	} else {
		adapters = append(adapters, capability.Wrap(
			capability.NewSearchSource(*cfg, &http.Client{}),
			policyWithTimeout(cfg.Timeout),
		))
	}

	return adapters
}

func policyWithTimeout(timeout time.Duration) capability.Policy {
	p := capability.DefaultPolicy()
	if timeout > 0 {
		p.Timeout = timeout
	}
	return p
}

const help = `commands:
  /new              start a new session
  /sessions         list sessions
  /resume <id>      continue a session
  /plan             show the current itinerary
  /delete <id>      delete a session
  /quit             exit
anything else is sent to the planner`

func runREPL(ctx context.Context, orch *orchestratorx.Orchestrator) {
	scanner := bufio.NewScanner(os.Stdin)
	sessionID := ""

	fmt.Println("SkyPlanner ready. Type /help for commands.")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/quit", "/exit":
			return
		case "/help":
			fmt.Println(help)
		case "/new":
			sessionID = ""
			fmt.Println("new session")
		case "/resume":
			sessionID = arg
		case "/sessions":
			sessions, err := orch.Sessions(ctx, 20)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, s := range sessions {
				fmt.Printf("%s  %-14s  %s  %6d tok  %s\n", s.ID, s.Status, s.LastActivityAt.Local().Format(time.DateTime), s.TotalTokens, s.Title)
			}
		case "/plan":
			if sessionID == "" {
				fmt.Println("no active session")
				continue
			}
			it, err := orch.Itinerary(ctx, sessionID)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			printItinerary(it)
		case "/delete":
			if err := orch.DeleteSession(ctx, arg); err != nil {
				fmt.Println("error:", err)
				continue
			}
			if arg == sessionID {
				sessionID = ""
			}
		default:
			reply, err := orch.StartOrContinueSession(ctx, sessionID, line)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if reply.FreshSession && sessionID != "" {
				fmt.Println("(previous session expired, started a new one)")
			}
			sessionID = reply.SessionID
			fmt.Println(reply.AssistantMessage)
			if reply.Itinerary != nil {
				printItinerary(*reply.Itinerary)
			}
		}
	}
}

func printItinerary(it itinerary.Itinerary) {
	if it.Empty() {
		fmt.Println("(no plan yet)")
		return
	}
	fmt.Print(itinerary.Render(it))
}
