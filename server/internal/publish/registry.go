package publish

import (
	"sort"
	"sync"
	"time"

	"noteflow/server/internal/model"
)

// DefaultRetention 是已结束的发布在注册表中保留的默认时长
const DefaultRetention = 5 * time.Minute

// Registry 按 ID 保存进行中的发布。
// 发布结束后，终态被读取一次（Consume）、被放弃或保留期满时移除。
type Registry struct {
	mu        sync.RWMutex
	actions   map[string]*Action
	retention time.Duration
}

// NewRegistry 创建注册表；retention <= 0 时使用 DefaultRetention
func NewRegistry(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{actions: make(map[string]*Action), retention: retention}
}

func (r *Registry) Put(a *Action) {
	r.mu.Lock()
	r.actions[a.ID()] = a
	r.mu.Unlock()

	go r.expire(a)
}

// expire 在发布结束、保留期满后把它移出注册表
func (r *Registry) expire(a *Action) {
	<-a.Done()
	time.AfterFunc(r.retention, func() { r.evict(a) })
}

// evict 只移除同一个发布，同 ID 的新发布不受影响
func (r *Registry) evict(a *Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.actions[a.ID()]; ok && cur == a {
		delete(r.actions, a.ID())
	}
}

// Get 查找发布，不影响其生命周期
func (r *Registry) Get(id string) (*Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return a, nil
}

// Consume 返回当前状态；如果已经是终态，同时把发布移出注册表
func (r *Registry) Consume(id string) (model.PublishStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actions[id]
	if !ok {
		return model.PublishStatus{}, model.ErrNotFound
	}
	st := a.Status()
	if st.Done {
		delete(r.actions, id)
	}
	return st, nil
}

// Abandon 放弃并移除发布
func (r *Registry) Abandon(id string) (model.PublishStatus, error) {
	r.mu.Lock()
	a, ok := r.actions[id]
	delete(r.actions, id)
	r.mu.Unlock()

	if !ok {
		return model.PublishStatus{}, model.ErrNotFound
	}
	a.Abandon()
	return a.Status(), nil
}

// List 返回所有发布的当前状态，按 ID 排序
func (r *Registry) List() []model.PublishStatus {
	r.mu.RLock()
	out := make([]model.PublishStatus, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a.Status())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AbandonAll 放弃所有发布，进程退出时调用
func (r *Registry) AbandonAll() {
	r.mu.Lock()
	actions := r.actions
	r.actions = make(map[string]*Action)
	r.mu.Unlock()

	for _, a := range actions {
		a.Abandon()
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}
