// Package app wires configuration, storage, the text generator and the HTTP
// router. Both entry points build the same App.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"

	"chat-insights/handler"
	"chat-insights/internal/config"
	"chat-insights/internal/integrations/gemini"
	"chat-insights/internal/integrations/openai"
	"chat-insights/internal/integrations/paramstore"
	"chat-insights/internal/repository"
	"chat-insights/internal/repository/memory"
	"chat-insights/internal/repository/sqlite"
	"chat-insights/internal/usecase"
)

type App struct {
	Router *gin.Engine

	closers []io.Closer
}

// Close releases storage handles.
func (a *App) Close() error {
	var firstErr error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Option customizes Build.
type Option func(*options)

type options struct {
	metrics   http.Handler
	generator usecase.TextGenerator
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

// WithGenerator replaces the configured LLM provider.
func WithGenerator(g usecase.TextGenerator) Option {
	return func(o *options) { o.generator = g }
}

// Build constructs every service described by cfg.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		loaded, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		awsCfg = loaded
	}

	a := &App{}
	store, err := a.openStore(cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}

	generator := o.generator
	if generator == nil {
		generator, err = newGenerator(ctx, cfg, awsCfg, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	locks := usecase.NewConversationLocks()
	registry, err := usecase.NewRegistry(store, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	convs, err := usecase.NewConversations(registry, store, store, locks, logger,
		usecase.WithRegisteredRecipients(cfg.RequireRegisteredRecipient))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	annotator, err := usecase.NewAnnotator(store, store, store, generator, locks, usecase.AnnotatorOptions{
		Model:       modelFor(cfg),
		Temperature: &cfg.AnalysisTemperature,
		TopP:        cfg.AnalysisTopP,
		MaxTokens:   cfg.AnalysisMaxTokens,
		Timeout:     cfg.AnalysisTimeout,
	}, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	board, err := usecase.NewLeaderboard(store, store, registry, cfg.LeaderboardSize)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	gin.SetMode(ginMode(cfg))
	a.Router, err = handler.NewRouter(handler.Deps{
		Identity:  registry,
		Messaging: convs,
		Analyzer:  annotator,
		Ranking:   board,
		Metrics:   o.metrics,
	}, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.Info("application wired",
		"store_backend", cfg.StoreBackend,
		"llm_provider", cfg.LLMProvider,
		"model", modelFor(cfg))
	return a, nil
}

func (a *App) openStore(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (usecase.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		db, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		store, err := sqlite.New(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	case config.BackendDynamoDB:
		store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("create state client: %w", err)
		}
		return store, nil
	default:
		return memory.New(), nil
	}
}

func newGenerator(ctx context.Context, cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (usecase.TextGenerator, error) {
	switch cfg.LLMProvider {
	case config.ProviderGemini:
		key := strings.TrimSpace(cfg.GeminiAPIKey)
		if key == "" {
			ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
			if err != nil {
				return nil, fmt.Errorf("create SSM client: %w", err)
			}
			key, err = ps.GetToken(ctx, strings.TrimRight(cfg.ParamPrefix, "/")+"/gemini-token")
			if err != nil {
				return nil, err
			}
		}
		client, err := gemini.NewClient(ctx, key, cfg.GeminiModel, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		opts := []openai.Option{openai.WithModel(cfg.OpenAIModel)}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		if cfg.OpenAIAPIKey != "" {
			opts = append(opts, openai.WithAPIKey(cfg.OpenAIAPIKey))
		} else {
			ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
			if err != nil {
				return nil, fmt.Errorf("create SSM client: %w", err)
			}
			opts = append(opts, openai.WithParamStore(ps, cfg.ParamPrefix))
		}
		client, err := openai.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("create OpenAI client: %w", err)
		}
		return client, nil
	}
}

// ginMode keeps gin's plain-text route dump out of the JSON log stream
// unless debug logging was asked for.
func ginMode(cfg *config.Config) string {
	if cfg.LogLevel == "debug" {
		return gin.DebugMode
	}
	return gin.ReleaseMode
}

func modelFor(cfg *config.Config) string {
	if cfg.LLMProvider == config.ProviderGemini {
		return cfg.GeminiModel
	}
	return cfg.OpenAIModel
}
