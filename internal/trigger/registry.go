// Package trigger 规则触发器注册与分发
package trigger

import (
	"sync"

	"go.uber.org/zap"
)

// EventApproachingHome 派生事件：离家距离出现合格改善时触发
const EventApproachingHome = "approaching_home"

// Trigger 一条宿主侧规则触发器
type Trigger struct {
	ID        string
	EventType string
	IMEI      string
}

// Executor 宿主侧触发器执行能力
type Executor interface {
	Execute(t Trigger) error
}

// Registry 活跃触发器集合，与宿主的规则配置保持一致
type Registry struct {
	mu       sync.RWMutex
	triggers map[string]Trigger
	executor Executor
	logger   *zap.Logger
}

// NewRegistry 创建触发器注册表
func NewRegistry(executor Executor, logger *zap.Logger) *Registry {
	return &Registry{
		triggers: make(map[string]Trigger),
		executor: executor,
		logger:   logger,
	}
}

// Register 注册触发器，同 ID 覆盖
func (r *Registry) Register(t Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers[t.ID] = t
	r.logger.Debug("Trigger registered",
		zap.String("id", t.ID),
		zap.String("event_type", t.EventType),
		zap.String("imei", t.IMEI))
}

// Unregister 注销触发器，ID 不存在时为空操作
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.triggers, id)
	r.logger.Debug("Trigger unregistered", zap.String("id", id))
}

// List 返回当前全部触发器
func (r *Registry) List() []Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Trigger, 0, len(r.triggers))
	for _, t := range r.triggers {
		out = append(out, t)
	}
	return out
}

// Dispatch 执行所有事件类型和目标车辆都匹配的触发器
// 单个触发器执行失败只记日志，不影响同一事件里其余触发器
func (r *Registry) Dispatch(eventType, imei string) {
	r.mu.RLock()
	var matched []Trigger
	for _, t := range r.triggers {
		if t.EventType == eventType && t.IMEI == imei {
			matched = append(matched, t)
		}
	}
	r.mu.RUnlock()

	r.logger.Debug("Dispatching triggers",
		zap.String("event_type", eventType),
		zap.String("imei", imei),
		zap.Int("matched", len(matched)))

	for _, t := range matched {
		r.fire(t)
	}
}

func (r *Registry) fire(t Trigger) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Trigger execution panicked",
				zap.String("id", t.ID),
				zap.Any("panic", rec))
		}
	}()

	if err := r.executor.Execute(t); err != nil {
		r.logger.Error("Trigger execution failed",
			zap.String("id", t.ID),
			zap.String("event_type", t.EventType),
			zap.Error(err))
	}
}

// LogExecutor 独立运行时的缺省执行器，只记录触发
type LogExecutor struct {
	logger *zap.Logger
}

// NewLogExecutor 创建日志执行器
func NewLogExecutor(logger *zap.Logger) *LogExecutor {
	return &LogExecutor{logger: logger}
}

// Execute 记录一次触发
func (e *LogExecutor) Execute(t Trigger) error {
	e.logger.Info("Trigger fired",
		zap.String("id", t.ID),
		zap.String("event_type", t.EventType),
		zap.String("imei", t.IMEI))
	return nil
}
