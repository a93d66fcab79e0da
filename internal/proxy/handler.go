package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/emm-site/offline-edge/internal/cache"
	"github.com/emm-site/offline-edge/internal/logging"
	"github.com/emm-site/offline-edge/internal/offline"
	"github.com/emm-site/offline-edge/internal/server"
)

const (
	headerRoute      = "X-Offline-Edge-Route"
	headerSource     = "X-Offline-Edge-Source"
	headerGeneration = "X-Offline-Edge-Generation"
)

// Controllers 提供当前控制请求的 worker，*offline.Registration 满足该接口。
type Controllers interface {
	Controller() *offline.Worker
}

// Handler 把 Fiber 请求交给当前控制者（offline.Worker）处理；
// 尚无控制者时直接经 Network 透传，不读写任何缓存。跨域请求不回源，直接返回 403。
type Handler struct {
	registration Controllers
	network      offline.Fetcher
	logger       *logrus.Logger
}

// NewHandler constructs a handler bound to the registration and network.
func NewHandler(registration Controllers, network offline.Fetcher, logger *logrus.Logger) *Handler {
	return &Handler{
		registration: registration,
		network:      network,
		logger:       logger,
	}
}

// Handle 实现 server.ProxyHandler，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	defer func() {
		if r := recover(); r != nil {
			err = h.respondPanic(c, r, requestID)
		}
	}()

	req, buildErr := buildRequest(c)
	if buildErr != nil {
		h.logger.WithError(buildErr).WithFields(logrus.Fields{
			"action":     "proxy",
			"request_id": requestID,
		}).Warn("bad_request")
		return h.writeError(c, fiber.StatusBadRequest, "bad_request")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	worker := h.registration.Controller()
	if worker == nil {
		return h.passthrough(ctx, c, req, "", requestID, started)
	}

	result, fetchErr := worker.HandleFetch(ctx, req)
	if errors.Is(fetchErr, offline.ErrNotActivated) {
		// 控制者在请求途中被替换，交给新的控制者重试一次
		if next := h.registration.Controller(); next != nil && next != worker {
			worker = next
			result, fetchErr = worker.HandleFetch(ctx, req)
		}
	}
	generation := string(worker.Generation())
	switch {
	case errors.Is(fetchErr, offline.ErrNotActivated):
		return h.passthrough(ctx, c, req, generation, requestID, started)
	case fetchErr != nil:
		route := offline.Classify(worker.Scope(), req)
		h.logResult(req, generation, string(route), "", 0, requestID, started, fetchErr)
		if errors.Is(fetchErr, offline.ErrOffline) {
			return h.writeError(c, fiber.StatusGatewayTimeout, "offline_unavailable")
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	case !result.Intercepted():
		return h.passthrough(ctx, c, req, generation, requestID, started)
	}

	h.writeResponse(c, result.Response, result.Route, result.Source, generation)
	h.logResult(req, generation, string(result.Route), string(result.Source), result.Response.StatusCode, requestID, started, nil)
	return nil
}

func (h *Handler) passthrough(ctx context.Context, c fiber.Ctx, req *cache.Request, generation, requestID string, started time.Time) error {
	route := string(offline.RoutePassthrough)
	resp, err := h.network.Fetch(ctx, req)
	if errors.Is(err, ErrCrossOrigin) {
		h.logResult(req, generation, route, "", fiber.StatusForbidden, requestID, started, err)
		c.Set(headerRoute, route)
		return h.writeError(c, fiber.StatusForbidden, "cross_origin")
	}
	if err != nil {
		h.logResult(req, generation, route, "", 0, requestID, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	h.writeResponse(c, resp, offline.RoutePassthrough, offline.SourceNetwork, generation)
	h.logResult(req, generation, route, string(offline.SourceNetwork), resp.StatusCode, requestID, started, nil)
	return nil
}

// buildRequest 从 Fiber 上下文还原被拦截的请求；请求体复制一份，脱离 fasthttp 缓冲区。
func buildRequest(c fiber.Ctx) (*cache.Request, error) {
	rawURL := server.InterceptedURL(c)
	if rawURL == "" {
		return nil, errors.New("request was not intercepted")
	}
	header := fiberHeadersAsHTTP(c)
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	req, err := cache.NewRequest(c.Method(), rawURL, header)
	if err != nil {
		return nil, err
	}
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req, nil
}

func (h *Handler) writeResponse(c fiber.Ctx, resp *cache.Response, route offline.Route, source offline.Source, generation string) {
	copyResponseHeaders(c, resp.Header)
	c.Set(headerRoute, string(route))
	c.Set(headerSource, string(source))
	if generation != "" {
		c.Set(headerGeneration, generation)
	}
	if requestID := server.RequestID(c); requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)
	if c.Method() != http.MethodHead {
		c.Response().SetBodyRaw(resp.Body)
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) respondPanic(c fiber.Ctx, recovered any, requestID string) error {
	h.logger.WithFields(logrus.Fields{
		"action":     "proxy",
		"request_id": requestID,
		"error":      fmt.Sprintf("panic: %v", recovered),
	}).Error("proxy_handler_panic")
	return h.writeError(c, fiber.StatusInternalServerError, "handler_panic")
}

func (h *Handler) logResult(
	req *cache.Request,
	generation string,
	route string,
	source string,
	status int,
	requestID string,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(generation, route, source, source == string(offline.SourceCache) || source == string(offline.SourceFallback))
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["url"] = req.Key()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || key == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
