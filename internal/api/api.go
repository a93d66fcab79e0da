// Package api proxies the site's two server-side endpoints: Places
// autocomplete and the chat assistant. Both hold API keys that must never
// reach the page, and neither is ever served from the offline cache.
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/emm-site/offline-edge/internal/config"
	"github.com/emm-site/offline-edge/internal/server"
)

// Prefix 是 API 路由的公共前缀，需加入 server.AppOptions.ReservedPrefixes。
const Prefix = "/api/"

const chatFallbackText = "I'm sorry, I couldn't generate a response."

// Handlers 持有两个端点共享的 http.Client、凭证与限流器。
type Handlers struct {
	cfg     config.APIConfig
	secrets config.Secrets
	client  *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// New 构造 API 处理器；ChatRateLimit 为 0 时不限流。
func New(cfg config.APIConfig, secrets config.Secrets, client *http.Client, logger *logrus.Logger) (*Handlers, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if strings.TrimSpace(cfg.AutocompleteEndpoint) == "" || strings.TrimSpace(cfg.ChatEndpoint) == "" {
		return nil, errors.New("api endpoints are required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	limit := rate.Inf
	if cfg.ChatRateLimit > 0 {
		limit = rate.Limit(cfg.ChatRateLimit)
	}
	burst := cfg.ChatBurst
	if burst <= 0 {
		burst = 1
	}
	return &Handlers{
		cfg:     cfg,
		secrets: secrets,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// Register 在 app 上挂载 /api/autocomplete 与 /api/chat。
func (h *Handlers) Register(app *fiber.App) {
	app.Get(Prefix+"autocomplete", h.Autocomplete)
	app.All(Prefix+"chat", h.Chat)
}

func (h *Handlers) fail(c fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": message})
}

func (h *Handlers) fields(c fiber.Ctx, action string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"request_id": server.RequestID(c),
	}
}
