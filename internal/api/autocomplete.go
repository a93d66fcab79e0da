package api

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/tidwall/gjson"
)

// maxUpstreamBody 限制第三方 API 响应体大小。
const maxUpstreamBody = 4 << 20

// Autocomplete 把 input 转发给 Places 自动补全接口，限定地理编码类型与英国范围。
func (h *Handlers) Autocomplete(c fiber.Ctx) error {
	input := strings.TrimSpace(c.Query("input"))
	if input == "" {
		return h.fail(c, fiber.StatusBadRequest, "Missing input")
	}

	target, err := url.Parse(h.cfg.AutocompleteEndpoint)
	if err != nil {
		return h.fail(c, fiber.StatusInternalServerError, "Server error")
	}
	query := target.Query()
	query.Set("input", input)
	query.Set("types", "geocode")
	query.Set("components", "country:uk")
	query.Set("key", h.secrets.GoogleMapsAPIKey)
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(c.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		return h.fail(c, fiber.StatusInternalServerError, "Server error")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.WithFields(h.fields(c, "autocomplete")).WithError(redactKey(err)).Error("autocomplete_upstream_failed")
		return h.fail(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil || !gjson.ValidBytes(body) {
		h.logger.WithFields(h.fields(c, "autocomplete")).
			WithField("upstream_status", resp.StatusCode).
			Error("autocomplete_invalid_response")
		return h.fail(c, fiber.StatusBadGateway, "upstream_failed")
	}

	h.logger.WithFields(h.fields(c, "autocomplete")).
		WithField("upstream_status", resp.StatusCode).
		WithField("status", gjson.GetBytes(body, "status").String()).
		Debug("autocomplete_complete")
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(fiber.StatusOK).Send(body)
}

// redactKey 去掉 *url.Error 中携带 key 的查询串，避免凭证进入日志。
func redactKey(err error) error {
	if urlErr, ok := err.(*url.Error); ok {
		if parsed, perr := url.Parse(urlErr.URL); perr == nil {
			parsed.RawQuery = ""
			urlErr.URL = parsed.String()
		}
		return urlErr
	}
	return err
}
