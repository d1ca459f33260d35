package timeline

import (
	"sort"
	"sync"

	"noteflow/server/internal/model"
)

// Registry 是打开中的 Loader 的内存索引，按 ID 和调用方 key 两种方式查找。
// 同一个 key 再次打开时返回已存在的 Loader。
// 注意：只是内存索引，进程退出即丢失。
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Loader
	byKey map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[string]*Loader),
		byKey: make(map[string]string),
	}
}

// Get 根据 ID 获取 Loader
func (r *Registry) Get(id string) (*Loader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return l, nil
}

// GetByKey 根据调用方 key 获取 Loader
func (r *Registry) GetByKey(key string) (*Loader, bool) {
	if key == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	l, ok := r.byID[id]
	return l, ok
}

// Put 登记 Loader；key 已被占用时返回已有的 Loader 和 false
func (r *Registry) Put(l *Loader) (*Loader, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key := l.Key(); key != "" {
		if id, ok := r.byKey[key]; ok {
			if existing, ok := r.byID[id]; ok {
				return existing, false
			}
		}
		r.byKey[key] = l.ID()
	}
	r.byID[l.ID()] = l
	return l, true
}

// Delete 移除并返回 Loader（不负责关闭）
func (r *Registry) Delete(id string) (*Loader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	delete(r.byID, id)
	if key := l.Key(); key != "" && r.byKey[key] == id {
		delete(r.byKey, key)
	}
	return l, nil
}

// List 返回所有 Loader，按 ID 排序
func (r *Registry) List() []*Loader {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Loader, 0, len(r.byID))
	for _, l := range r.byID {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
