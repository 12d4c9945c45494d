// Package subscription 按用户分发最新体征快照的订阅管理
//
// 每个键同一时刻最多一个活跃句柄；通道容量为 1，积压时新快照
// 覆盖旧快照（订阅方永远看到最新状态，不逐条重放）
package subscription

import (
	"sync"
	"time"

	"mirror-vitals/internal/models"
	"mirror-vitals/internal/vitals"

	"go.uber.org/zap"
)

// Snapshot 推送给订阅方的最新状态
type Snapshot struct {
	UserID         string                `json:"user_id"`
	Reading        *models.VitalReading  `json:"reading"`
	Classification vitals.Classification `json:"classification"`
	At             time.Time             `json:"at"`
}

// Handle 一次订阅的句柄
// 使用完毕必须调用 Release，否则该键的通道资源不会回收
type Handle struct {
	key     string
	ch      chan Snapshot
	manager *Manager

	mu       sync.Mutex
	released bool
}

// C 快照接收通道（Release 后关闭）
func (h *Handle) C() <-chan Snapshot {
	return h.ch
}

// Release 释放句柄，重复调用是幂等的
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	h.manager.release(h)
}

// Manager 订阅管理器
type Manager struct {
	mu      sync.Mutex
	handles map[string]*Handle
	logger  *zap.Logger
}

// NewManager 创建订阅管理器
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		handles: make(map[string]*Handle),
		logger:  logger,
	}
}

// Subscribe 订阅某个键的快照流
// 同一个键重复订阅时，旧句柄被释放并由新句柄取代
func (m *Manager) Subscribe(key string) *Handle {
	m.mu.Lock()
	old := m.handles[key]

	h := &Handle{
		key:     key,
		ch:      make(chan Snapshot, 1),
		manager: m,
	}
	m.handles[key] = h
	m.mu.Unlock()

	if old != nil {
		m.logger.Debug("Replacing existing subscription",
			zap.String("key", key))
		old.Release()
	}

	return h
}

// Publish 向某个键的订阅方推送快照
// 没有订阅方时直接丢弃；通道已满时丢弃旧快照，保留最新
func (m *Manager) Publish(key string, snapshot Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[key]
	if !ok {
		return
	}

	// 在锁内先腾空再写入，通道容量为 1，不会阻塞
	select {
	case <-h.ch:
	default:
	}
	h.ch <- snapshot
}

// release 从管理器中摘除句柄并关闭通道
func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 只有当前注册的句柄才摘除（可能已被新订阅取代）
	if current, ok := m.handles[h.key]; ok && current == h {
		delete(m.handles, h.key)
	}
	close(h.ch)
}

// ReleaseAll 释放所有句柄（服务关闭时调用）
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
}

// ActiveCount 当前活跃订阅数
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}
