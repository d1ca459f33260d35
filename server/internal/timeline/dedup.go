package timeline

import "sort"

// DedupSet 以事件 ID 为键记录“是否见过”，并附带覆盖信息：哪些中继投递过该事件。
// 非并发安全：只由所属 Loader 的 owner 协程修改。
type DedupSet struct {
	seen map[string]map[string]struct{}
}

func NewDedupSet() *DedupSet {
	return &DedupSet{seen: make(map[string]map[string]struct{})}
}

// Add 记录 relay 投递了 id。
// first：全局首次见到该事件（应进入有序序列）；
// fresh：该中继首次投递该事件（用于判断分页窗口是否带来了新数据）。
func (d *DedupSet) Add(id, relay string) (first, fresh bool) {
	relays, ok := d.seen[id]
	if !ok {
		d.seen[id] = map[string]struct{}{relay: {}}
		return true, true
	}
	if _, dup := relays[relay]; dup {
		return false, false
	}
	relays[relay] = struct{}{}
	return false, true
}

// Has 判断事件是否已见过
func (d *DedupSet) Has(id string) bool {
	_, ok := d.seen[id]
	return ok
}

// Coverage 返回持有该事件的中继数
func (d *DedupSet) Coverage(id string) int {
	return len(d.seen[id])
}

// SeenOn 返回投递过该事件的中继（排序后）
func (d *DedupSet) SeenOn(id string) []string {
	relays := d.seen[id]
	out := make([]string, 0, len(relays))
	for r := range relays {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (d *DedupSet) Len() int {
	return len(d.seen)
}
