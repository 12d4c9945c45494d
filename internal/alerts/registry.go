package alerts

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry 按用户持有的展示器集合
// 展示器在镜面快照流连接建立时创建、连接断开时释放，
// 连接存活期间 alerts 接口直接服务持有的列表
type Registry struct {
	store  AlertStore
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]*Presenter
}

// NewRegistry 创建展示器注册表
func NewRegistry(store AlertStore, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		active: make(map[string]*Presenter),
	}
}

// Acquire 获取用户的展示器，没有时创建并加载告警列表
// 同一用户重复获取返回同一个展示器
func (r *Registry) Acquire(ctx context.Context, userID string, limit int) (*Presenter, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	r.mu.Lock()
	if p, ok := r.active[userID]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	// 加载不持锁（走存储），装入时重查是否已被并发创建
	p := NewPresenter(r.store, r.logger)
	if err := p.Load(ctx, userID, limit); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[userID]; ok {
		p.Release()
		return existing, nil
	}
	r.active[userID] = p
	return p, nil
}

// Active 返回用户当前持有的展示器，没有时为 nil
func (r *Registry) Active(userID string) *Presenter {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.active[userID]
}

// Release 释放用户的展示器，之后的 Active 返回 nil
// 没有持有展示器时是空操作
func (r *Registry) Release(userID string) {
	r.mu.Lock()
	p, ok := r.active[userID]
	delete(r.active, userID)
	r.mu.Unlock()

	if ok {
		p.Release()
	}
}

// ReleaseAll 释放全部展示器（服务停止时调用）
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	active := r.active
	r.active = make(map[string]*Presenter)
	r.mu.Unlock()

	for _, p := range active {
		p.Release()
	}
}
