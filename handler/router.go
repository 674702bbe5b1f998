package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-insights/internal/domain"
	"chat-insights/internal/metrics"
	"chat-insights/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type Identity interface {
	Identify(ctx context.Context, phone string) (domain.User, error)
}

type Messaging interface {
	OpenWithRecipient(ctx context.Context, userID, recipientPhone string) (string, error)
	List(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
	Append(ctx context.Context, in usecase.AppendInput) (domain.Message, error)
	Read(ctx context.Context, conversationID string) ([]domain.Message, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, conversationID, requestingUserID string) (domain.Analysis, error)
	Annotation(ctx context.Context, conversationID string) (domain.Annotation, error)
}

type Ranking interface {
	Top(ctx context.Context, n int) ([]domain.LeaderboardEntry, error)
	PairScore(ctx context.Context, userA, userB string) (int, error)
}

// Deps are the services behind the HTTP surface. Metrics is optional and
// mounted at /metrics when set.
type Deps struct {
	Identity  Identity
	Messaging Messaging
	Analyzer  Analyzer
	Ranking   Ranking
	Metrics   http.Handler
}

func (d Deps) validate() error {
	switch {
	case d.Identity == nil:
		return errors.New("handler: identity service must not be nil")
	case d.Messaging == nil:
		return errors.New("handler: messaging service must not be nil")
	case d.Analyzer == nil:
		return errors.New("handler: analyzer must not be nil")
	case d.Ranking == nil:
		return errors.New("handler: ranking must not be nil")
	}
	return nil
}

type api struct {
	Deps
	log *slog.Logger
}

// NewRouter builds the gin engine serving the chat API.
func NewRouter(deps Deps, logger *slog.Logger) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &api{Deps: deps, log: logger.With("component", "http")}

	engine := gin.New()
	engine.Use(gin.Recovery(), correlationID(), a.requestLog(), observe())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	if deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	r := engine.Group("/api")
	r.POST("/login", a.login)
	r.GET("/conversations", a.listConversations)
	r.POST("/conversations", a.openConversation)
	r.GET("/conversations/:conversationId/analysis", a.getAnalysis)
	r.GET("/messages/:conversationId", a.listMessages)
	r.POST("/messages", a.sendMessage)
	r.POST("/analyze-conversation", a.analyzeConversation)
	r.GET("/leaderboard", a.leaderboard)
	r.GET("/score/:user1/:user2", a.pairScore)

	return engine, nil
}

func correlationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationHeader, id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

func (a *api) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.InfoContext(c.Request.Context(), "request",
			"method", c.Request.Method,
			"route", routeOf(c),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"correlation_id", c.GetString(correlationHeader))
	}
}

func observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := routeOf(c)
		metrics.RequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// routeOf keeps metric label cardinality bounded for unmatched paths.
func routeOf(c *gin.Context) string {
	if r := c.FullPath(); r != "" {
		return r
	}
	return "unmatched"
}
