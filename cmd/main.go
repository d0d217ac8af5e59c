package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsbedrock "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awscomprehend "github.com/aws/aws-sdk-go-v2/service/comprehend"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"banking-agent/handler"
	"banking-agent/internal/config"
	"banking-agent/internal/domain"
	"banking-agent/internal/inactivity"
	"banking-agent/internal/integrations/bedrock"
	"banking-agent/internal/integrations/comprehend"
	"banking-agent/internal/integrations/crm"
	"banking-agent/internal/integrations/openai"
	"banking-agent/internal/integrations/paramstore"
	"banking-agent/internal/memory"
	"banking-agent/internal/repository"
	"banking-agent/internal/sentiment"
	"banking-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	var stateClient *repository.Client
	if cfg.StateTable != "" {
		stateClient, err = repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			slog.Error("failed to create state client", "err", err)
			os.Exit(1)
		}
	}

	completer, completionSource, err := newCompleter(cfg, awsCfg, ssmClient)
	if err != nil {
		slog.Error("failed to create completion client", "provider", cfg.CompletionProvider, "err", err)
		os.Exit(1)
	}

	textAnalytics, err := comprehend.New(awscomprehend.NewFromConfig(awsCfg), cfg.AnalysisLanguage)
	if err != nil {
		slog.Error("failed to create Comprehend client", "err", err)
		os.Exit(1)
	}

	crmClient := crm.New(cfg.CRMURL, crm.WithTimeout(cfg.CRMTimeout), crm.WithLogger(logger))

	// ---- Memory ----
	memOpts := []memory.Option{memory.WithLogger(logger)}
	switch cfg.MemoryBackend {
	case config.MemoryFile:
		fp, err := memory.NewFilePersister(cfg.MemoryFile)
		if err != nil {
			slog.Error("failed to create memory file persister", "err", err)
			os.Exit(1)
		}
		memOpts = append(memOpts, memory.WithPersister(fp))
	case config.MemoryDynamoDB:
		memOpts = append(memOpts, memory.WithPersister(stateClient.Sessions(cfg.MemoryNamespace)))
	}
	store := memory.NewStore(cfg.MaxSessions, cfg.MaxTurnsPerSession, memOpts...)
	if err := store.Restore(ctx); err != nil {
		slog.Error("failed to restore conversation memory, starting empty", "err", err)
	}

	// ---- Sentiment and inactivity analysis ----
	sentimentOpts := []sentiment.Option{
		sentiment.WithTimeout(cfg.SentimentTimeout),
		sentiment.WithHistoryCap(cfg.SentimentHistoryCap),
		sentiment.WithLogger(logger),
	}
	if stateClient != nil {
		sentimentOpts = append(sentimentOpts, sentiment.WithRecorder(stateClient))
	}
	analyzer, err := sentiment.NewAdapter(textAnalytics, sentimentOpts...)
	if err != nil {
		slog.Error("failed to create sentiment adapter", "err", err)
		os.Exit(1)
	}

	timers, err := inactivity.NewManager(store, analyzer,
		inactivity.WithWindow(cfg.InactivityWindow),
		inactivity.WithFlushOnShutdown(cfg.AnalyzeOnShutdown),
		inactivity.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create inactivity manager", "err", err)
		os.Exit(1)
	}
	if n := timers.SweepInactive(); n > 0 {
		slog.Info("scheduled analysis of restored inactive sessions", "count", n)
	}

	// ---- Use cases ----
	turnOpts := []usecase.TurnOption{
		usecase.WithModel(modelFor(cfg)),
		usecase.WithGenerationParams(domain.GenerationParams{
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
		}),
		usecase.WithCompletionSource(completionSource),
		usecase.WithMaxIterations(cfg.MaxIterations),
		usecase.WithCompletionTimeout(cfg.CompletionTimeout),
		usecase.WithSummaryLimit(cfg.SummaryLimit),
		usecase.WithTurnLogger(logger),
	}
	if cfg.ParamPrefix != "" {
		loader, err := usecase.NewParamContextLoader(ssmClient, cfg.ParamPrefix, logger)
		if err != nil {
			slog.Error("failed to create prompt context loader", "err", err)
			os.Exit(1)
		}
		turnOpts = append(turnOpts, usecase.WithPromptContext(loader))
	}
	turnService, err := usecase.NewTurnService(completer, analyzer, timers, store, crmClient, turnOpts...)
	if err != nil {
		slog.Error("failed to create turn service", "err", err)
		os.Exit(1)
	}

	var archive usecase.AnalysisArchive
	if stateClient != nil {
		archive = stateClient
	}
	analysisService, err := usecase.NewAnalysisService(analyzer, timers, archive, logger)
	if err != nil {
		slog.Error("failed to create analysis service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	handlerOpts := []handler.Option{handler.WithLogger(logger)}
	if cfg.Runtime == config.RuntimeLambda {
		// Timers do not advance while the environment is frozen between
		// invocations, so overdue sessions are picked up on the next event.
		handlerOpts = append(handlerOpts, handler.WithBeforeInvoke(func(context.Context) {
			if n := timers.SweepInactive(); n > 0 {
				slog.Info("scheduled analysis of inactive sessions", "count", n)
			}
		}))
		if !cfg.Persistent() {
			slog.Warn("conversation memory is local to this Lambda instance; set MEMORY_BACKEND=dynamodb to share it",
				"memory_backend", cfg.MemoryBackend)
		}
	}
	h, err := handler.NewHandler(turnService, analysisService, handlerOpts...)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if cfg.Runtime == config.RuntimeLambda {
		lambda.Start(h.Handle)
		return
	}
	serveHTTP(cfg, h, timers)
}

func newCompleter(cfg *config.Config, awsCfg aws.Config, ssmClient *paramstore.Client) (usecase.Completer, domain.Source, error) {
	switch cfg.CompletionProvider {
	case config.ProviderOpenAI:
		opts := []openai.Option{openai.WithDefaultModel(cfg.OpenAIModel)}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		c, err := openai.NewClient(ssmClient, cfg.ParamPrefix, opts...)
		return c, domain.SourceBedrock, err
	case config.ProviderMock:
		return usecase.StaticCompleter{}, domain.SourceAgent, nil
	default:
		c, err := bedrock.New(awsbedrock.NewFromConfig(awsCfg), cfg.BedrockModelID)
		return c, domain.SourceBedrock, err
	}
}

func modelFor(cfg *config.Config) string {
	if cfg.CompletionProvider == config.ProviderOpenAI {
		return cfg.OpenAIModel
	}
	return cfg.BedrockModelID
}

// serveHTTP runs the local server until SIGINT or SIGTERM, then drains
// requests and pending analyses.
func serveHTTP(cfg *config.Config, h *handler.Handler, timers *inactivity.Manager) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: h}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "err", err)
	}
	if err := timers.Shutdown(shutdownCtx); err != nil {
		slog.Error("inactivity manager shutdown failed", "err", err)
	}
	slog.Info("shutdown complete")
}
