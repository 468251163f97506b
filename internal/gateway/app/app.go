package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ensemble/internal/accounting"
	"ensemble/internal/augment"
	"ensemble/internal/gateway/config"
	"ensemble/internal/gateway/handler"
	"ensemble/internal/gateway/server"
	"ensemble/internal/gateway/service/message"
	"ensemble/internal/llm"
	llmclient "ensemble/internal/llmClient"
	"ensemble/internal/logging"
	"ensemble/internal/orchestrator"
	"ensemble/internal/workers"
	"ensemble/internal/workflow"
)

type App struct {
	server  *server.Server
	stores  *gatewayStores
	clients []llmclient.Client
	log     *logrus.Entry
}

// New wires the gateway from cfg. A nil logger builds one from cfg.Log.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if logger == nil {
		logger = NewLogger(cfg)
	}
	log := logging.Component(logger, "app")
	settings := cfg.Settings

	models := llmclient.NewCatalog(nil)
	defaultModel, ok := models.Lookup(settings.Models.DefaultModel)
	if !ok {
		return nil, fmt.Errorf("unknown default_model %q", settings.Models.DefaultModel)
	}
	backgroundModel, ok := models.Lookup(settings.Models.DefaultBackgroundModel)
	if !ok {
		return nil, fmt.Errorf("unknown default_background_model %q", settings.Models.DefaultBackgroundModel)
	}
	promotion, err := decimal.NewFromString(cfg.NewUserPromotion)
	if err != nil {
		return nil, fmt.Errorf("invalid NEW_USER_PROMOTION %q: %w", cfg.NewUserPromotion, err)
	}

	// Dependencies
	stores, err := initStores(cfg, logging.Component(logger, "stores"))
	if err != nil {
		return nil, err
	}
	clients, err := initClients(ctx, cfg, logger)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	if len(clients) == 0 {
		log.Warn("no provider API keys configured; every model call will fail")
	}

	acct := accounting.New(stores.graph, cfg.OutputTokenEstimate, logging.Component(logger, "accounting"))
	orch := orchestrator.New(acct, clients, orchestrator.Options{
		DefaultModel: defaultModel,
		JudgeSystem:  settings.SystemMessages.BestOf,
		Log:          logging.Component(logger, "orchestrator"),
	})
	sm := settings.SystemMessages
	aug := augment.New(orch, backgroundModel, augment.Messages{
		Categorisation:      sm.Categorisation,
		WorkerSelection:     sm.WorkerSelection,
		WorkflowSelection:   sm.WorkflowSelection,
		PromptAugmentation:  sm.PromptAugmentation,
		PromptQuestioning:   sm.PromptQuestioning,
		CategoryDescription: sm.CategoryDescription,
		ColourSelection:     sm.ColourSelection,
		FileSummarisation:   sm.FileSummarisation,
		UserContext:         sm.UserContext,
	}, augment.Options{
		AIColour: settings.Interface.AIColour,
		Log:      logging.Component(logger, "augment"),
	})

	sink := &workflow.StoreSink{Bytes: stores.files, Graph: stores.graph, Log: logging.Component(logger, "files")}
	if settings.Files.SummariseFiles {
		sink.Summarise = aug.SummariseFile
	}
	runner := workflow.NewRunner(orch, sink, logging.Component(logger, "workflow"))

	wfOpts := workflow.Options{
		MaxPages:      settings.Workflows.MaxPages,
		MaxLoops:      settings.Workflows.MaxLoops,
		Summarise:     settings.Workflows.Summarise,
		SummarySystem: sm.Summarisation,
		AutoEnabled:   settings.BetaFeatures.MultiFileProcessingEnabled,
	}
	defs, err := workers.Definitions()
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	catalog, err := workers.NewCatalog(defs, models, workflow.Builtins(wfOpts), defaultModel)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	svc, err := message.New(stores.graph, stores.files, catalog, aug, runner, message.Options{
		MessageHistory:     settings.Optimisation.MessageHistory,
		ExtractUserContext: settings.BetaFeatures.UserContextEnabled,
		InjectUserContext:  settings.ResponseImprovement.UserContextEnabled,
		CategorySystem:     settings.Category.CategorySystemMessage,
		Caps:               workers.Caps{MaxPages: settings.Workflows.MaxPages, MaxLoops: settings.Workflows.MaxLoops},
		Promotion:          promotion,
		Log:                logging.Component(logger, "message"),
	})
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	// Routing & Server
	h := handler.New(svc, logging.Component(logger, "handler"))
	srv := server.New(cfg.Port, server.NewMux(h), logging.Component(logger, "server"))

	log.WithFields(logrus.Fields{
		"default_model":    defaultModel.ID,
		"background_model": backgroundModel.ID,
		"workers":          catalog.Names(),
	}).Info("gateway ready")
	return &App{server: srv, stores: stores, clients: clients, log: log}, nil
}

// NewLogger builds the process logger from cfg.Log.
func NewLogger(cfg *config.Config) *logrus.Logger {
	return logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
}

// initClients builds a client for every provider with an API key, wrapped
// with logging, retries and rate limiting.
func initClients(ctx context.Context, cfg *config.Config, logger *logrus.Logger) ([]llmclient.Client, error) {
	policy := llm.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Base:        cfg.Retry.BackoffInitial,
		Unit:        cfg.Retry.Unit,
	}
	wrap := func(c llmclient.Client, p config.ProviderConfig) llmclient.Client {
		return llm.Wrap(c,
			llm.WithLogging(logging.Component(logger, "llm").WithField("provider", c.Name())),
			llm.Retry(policy),
			llm.RateLimit(p.RPS, p.Burst),
		)
	}

	var clients []llmclient.Client
	if cfg.OpenAI.APIKey != "" {
		clients = append(clients, wrap(llmclient.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL), cfg.OpenAI))
	}
	if cfg.Gemini.APIKey != "" {
		g, err := llmclient.NewGeminiClient(ctx, cfg.Gemini.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gemini client: %w", err)
		}
		clients = append(clients, wrap(g, cfg.Gemini))
	}
	return clients, nil
}

func (a *App) Start() error {
	return a.server.Start()
}

// Shutdown stops the server, then releases clients and stores.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	for _, c := range a.clients {
		if cerr := c.Close(); cerr != nil {
			a.log.WithError(cerr).Warn("close llm client")
		}
	}
	if cerr := a.stores.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
