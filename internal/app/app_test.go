package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"chat-insights/internal/config"
	"chat-insights/internal/domain"
)

type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, domain.Prompt, domain.GenerateOptions) (string, error) {
	return "", nil
}

func testConfig() *config.Config {
	return &config.Config{
		LogLevel:            "info",
		HTTPPort:            8080,
		StoreBackend:        config.BackendMemory,
		LLMProvider:         config.ProviderOpenAI,
		OpenAIAPIKey:        "sk-test",
		OpenAIModel:         "gpt-4o",
		AnalysisTemperature: 0.2,
		AnalysisTopP:        0.95,
		AnalysisMaxTokens:   1024,
		LeaderboardSize:     10,
	}
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestBuild_MemoryBackendWithOpenAI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	require.Equal(t, http.StatusOK, serve(t, a.Router, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, serve(t, a.Router, http.MethodPost, "/api/login", `{"phoneNumber":"+1555"}`).Code)
}

func TestBuild_SQLiteBackendPersistsAcrossBuilds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	cfg.StoreBackend = config.BackendSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "chat.db")

	a, err := Build(context.Background(), cfg, nil, WithGenerator(stubGenerator{}))
	require.NoError(t, err)
	first := serve(t, a.Router, http.MethodPost, "/api/login", `{"phoneNumber":"+1555"}`).Body.String()
	require.NoError(t, a.Close())

	b, err := Build(context.Background(), cfg, nil, WithGenerator(stubGenerator{}))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	second := serve(t, b.Router, http.MethodPost, "/api/login", `{"phoneNumber":"+1555"}`).Body.String()
	require.JSONEq(t, first, second)
}

func TestBuild_MetricsHandlerMounted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	a, err := Build(context.Background(), testConfig(), nil, WithMetricsHandler(metrics))
	require.NoError(t, err)

	w := serve(t, a.Router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "# metrics", w.Body.String())
}

func TestBuild_SelectsGinMode(t *testing.T) {
	t.Cleanup(func() { gin.SetMode(gin.TestMode) })

	cfg := testConfig()
	a, err := Build(context.Background(), cfg, nil, WithGenerator(stubGenerator{}))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.Equal(t, gin.ReleaseMode, gin.Mode())

	cfg.LogLevel = "debug"
	a, err = Build(context.Background(), cfg, nil, WithGenerator(stubGenerator{}))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.Equal(t, gin.DebugMode, gin.Mode())
}
