package relay

import (
	"sort"
	"sync"
)

// Pool 按规范化 URL 复用中继连接。
// 连接按需创建，拨号推迟到第一次 Subscribe/Publish。
type Pool struct {
	conns   map[string]*Conn
	connsMu sync.RWMutex

	config ConnConfig
}

// NewPool 创建连接池
func NewPool(config ConnConfig) *Pool {
	return &Pool{
		conns:  make(map[string]*Conn),
		config: config,
	}
}

// Get 返回某个中继的连接，不存在时创建
func (p *Pool) Get(rawURL string) (*Conn, error) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	p.connsMu.RLock()
	c, ok := p.conns[u]
	p.connsMu.RUnlock()
	if ok {
		return c, nil
	}

	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	if c, ok := p.conns[u]; ok {
		return c, nil
	}
	c = NewConn(u, p.config)
	p.conns[u] = c
	return c, nil
}

// Links 把一组 URL 转换成去重后的 Link 列表，保持输入顺序
func (p *Pool) Links(rawURLs []string) ([]Link, error) {
	urls, err := NormalizeURLs(rawURLs)
	if err != nil {
		return nil, err
	}

	links := make([]Link, 0, len(urls))
	for _, u := range urls {
		c, err := p.Get(u)
		if err != nil {
			return nil, err
		}
		links = append(links, c)
	}
	return links, nil
}

// URLs 返回池中所有中继地址（排序后）
func (p *Pool) URLs() []string {
	p.connsMu.RLock()
	defer p.connsMu.RUnlock()

	out := make([]string, 0, len(p.conns))
	for u := range p.conns {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Close 关闭所有连接
func (p *Pool) Close() {
	p.connsMu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.connsMu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
