package routes

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/emm-site/offline-edge/internal/offline"
	"github.com/emm-site/offline-edge/internal/server"
)

// UpdateFunc 重新读取配置并尝试替换当前控制者，返回是否发生了替换以及生效的世代。
type UpdateFunc func(ctx context.Context) (bool, offline.Generation, error)

// DiagnosticsOptions 汇总 /-/ 诊断接口依赖的组件，Update 与 Metrics 均可为空。
type DiagnosticsOptions struct {
	Registration *offline.Registration
	Update       UpdateFunc
	// UpdateToken 非空时，手动更新请求必须携带匹配的 Bearer token。
	UpdateToken string
	Metrics     http.Handler
	Logger      *logrus.Logger
}

// RegisterDiagnosticsRoutes 暴露 /-/offline、/-/offline/update 与 /-/metrics，供运维查询缓存状态。
func RegisterDiagnosticsRoutes(app *fiber.App, opts DiagnosticsOptions) {
	if app == nil || opts.Registration == nil {
		return
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/offline", func(c fiber.Ctx) error {
		worker := opts.Registration.Controller()
		if worker == nil {
			return c.JSON(statusPayload{State: "none"})
		}
		buckets, err := worker.BucketNames(c.Context())
		if err != nil {
			logger.WithError(err).WithField("action", "diagnostics").Warn("bucket_enumeration_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(encodeStatus(worker, buckets))
	})

	app.Post("/-/offline/update", func(c fiber.Ctx) error {
		if opts.Update == nil {
			return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "update_unavailable"})
		}
		if !authorized(c, opts.UpdateToken) {
			logger.WithFields(logrus.Fields{
				"action":     "update",
				"request_id": server.RequestID(c),
			}).Warn("manual_update_unauthorized")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		started := time.Now()
		replaced, generation, err := opts.Update(c.Context())
		fields := logrus.Fields{
			"action":     "update",
			"request_id": server.RequestID(c),
			"generation": string(generation),
			"replaced":   replaced,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}
		if err != nil {
			logger.WithFields(fields).WithError(err).Error("manual_update_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "update_failed"})
		}
		logger.WithFields(fields).Info("manual_update_completed")
		return c.JSON(fiber.Map{
			"replaced":   replaced,
			"generation": string(generation),
		})
	})

	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics))
	}
}

func authorized(c fiber.Ctx, token string) bool {
	if token == "" {
		return true
	}
	got, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

type statusPayload struct {
	State       string               `json:"state"`
	Generation  string               `json:"generation,omitempty"`
	Scope       string               `json:"scope,omitempty"`
	SkipWaiting bool                 `json:"skip_waiting"`
	Manifest    []string             `json:"manifest,omitempty"`
	Buckets     []string             `json:"buckets,omitempty"`
	LastSweep   *offline.SweepResult `json:"last_sweep,omitempty"`
}

func encodeStatus(worker *offline.Worker, buckets []string) statusPayload {
	return statusPayload{
		State:       worker.State().String(),
		Generation:  string(worker.Generation()),
		Scope:       worker.Scope().String(),
		SkipWaiting: worker.SkipWaiting(),
		Manifest:    []string(worker.Manifest()),
		Buckets:     buckets,
		LastSweep:   worker.LastSweep(),
	}
}
