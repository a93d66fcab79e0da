package offline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// SweepResult 记录激活阶段对旧世代缓存桶的清理结果。
type SweepResult struct {
	Generation  Generation `json:"generation"`
	Deleted     []string   `json:"deleted"`
	Failed      []string   `json:"failed"`
	Err         error      `json:"-"`
	CompletedAt time.Time  `json:"completedAt"`
}

// Activate 执行激活阶段：删除除当前世代外的全部缓存桶，然后进入 activated 状态。
// 单个桶删除失败只记录并汇总到 SweepResult.Err，不会中断其余桶的清理；
// 只有无法枚举桶名时才返回错误。
func (w *Worker) Activate(ctx context.Context) (SweepResult, error) {
	w.mu.Lock()
	if w.state != StateInstalled {
		state := w.state
		w.mu.Unlock()
		return SweepResult{}, fmt.Errorf("activate: worker is %s", state)
	}
	w.state = StateActivating
	w.mu.Unlock()

	result, err := w.sweep(ctx)
	if err != nil {
		w.setState(StateInstalled)
		w.logger.WithFields(w.fields("activate")).WithError(err).Error("activate_failed")
		return SweepResult{}, err
	}

	w.mu.Lock()
	w.state = StateActivated
	w.lastSweep = &result
	w.mu.Unlock()
	w.observer.SweepCompleted(result)

	entry := w.logger.WithFields(w.fields("activate")).
		WithField("deleted", result.Deleted).
		WithField("failed", result.Failed)
	if result.Err != nil {
		entry.WithError(result.Err).Warn("activate_sweep_partial")
	} else {
		entry.Info("activate_completed")
	}
	return result, nil
}

func (w *Worker) sweep(ctx context.Context) (SweepResult, error) {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("enumerate cache buckets: %w", err)
	}

	result := SweepResult{Generation: w.generation}
	for _, name := range names {
		if name == string(w.generation) {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			result.Failed = append(result.Failed, name)
			result.Err = multierr.Append(result.Err, fmt.Errorf("delete bucket %s: %w", name, err))
			continue
		}
		result.Deleted = append(result.Deleted, name)
	}
	result.CompletedAt = time.Now()
	return result, nil
}
