package api

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Chat 把用户消息（以及可选的系统提示）转发给 generateContent 接口，只返回首个候选文本。
func (h *Handlers) Chat(c fiber.Ctx) error {
	if c.Method() != fiber.MethodPost {
		return h.fail(c, fiber.StatusMethodNotAllowed, "Method not allowed")
	}
	if !h.limiter.Allow() {
		h.logger.WithFields(h.fields(c, "chat")).Warn("chat_rate_limited")
		return h.fail(c, fiber.StatusTooManyRequests, "rate_limited")
	}

	body := c.Body()
	message := gjson.GetBytes(body, "message").String()
	if strings.TrimSpace(message) == "" {
		return h.fail(c, fiber.StatusBadRequest, "Missing message")
	}
	if h.secrets.GeminiAPIKey == "" {
		return h.fail(c, fiber.StatusInternalServerError, "Missing GEMINI_API_KEY")
	}

	payload, err := buildChatPayload(message, gjson.GetBytes(body, "systemPrompt").String())
	if err != nil {
		h.logger.WithFields(h.fields(c, "chat")).WithError(err).Error("chat_payload_failed")
		return h.fail(c, fiber.StatusInternalServerError, "Server error")
	}

	endpoint := strings.TrimSuffix(h.cfg.ChatEndpoint, "/") + "/" + url.PathEscape(h.cfg.ChatModel) +
		":generateContent?key=" + url.QueryEscape(h.secrets.GeminiAPIKey)
	req, err := http.NewRequestWithContext(c.Context(), http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return h.fail(c, fiber.StatusInternalServerError, "Server error")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.WithFields(h.fields(c, "chat")).WithError(redactKey(err)).Error("chat_upstream_failed")
		return h.fail(c, fiber.StatusInternalServerError, "Server error")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		h.logger.WithFields(h.fields(c, "chat")).WithError(err).Error("chat_read_failed")
		return h.fail(c, fiber.StatusInternalServerError, "Server error")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.logger.WithFields(h.fields(c, "chat")).
			WithField("upstream_status", resp.StatusCode).
			WithField("upstream_error", gjson.GetBytes(data, "error.message").String()).
			Error("chat_upstream_error")
		return h.fail(c, fiber.StatusInternalServerError, "Gemini API error")
	}

	text := chatFallbackText
	if result := gjson.GetBytes(data, "candidates.0.content.parts.0.text"); result.Exists() && result.Type != gjson.Null {
		text = result.String()
	}
	return c.JSON(fiber.Map{"text": text})
}

// buildChatPayload 生成 {contents:[{parts:[{text}]}], systemInstruction?} 请求体。
func buildChatPayload(message, systemPrompt string) ([]byte, error) {
	payload, err := sjson.SetBytes([]byte(`{}`), "contents.0.parts.0.text", message)
	if err != nil {
		return nil, err
	}
	if systemPrompt != "" {
		payload, err = sjson.SetBytes(payload, "systemInstruction.parts.0.text", systemPrompt)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}
