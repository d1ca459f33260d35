package model

import "time"

// VerdictState 是单个中继对一次发布的裁决状态。
//
// 状态机：pending → accepted | rejected | timed_out | failed；
// timed_out / failed 在还有重试次数时会回到 pending（Attempt+1）。
type VerdictState string

const (
	VerdictPending  VerdictState = "pending"
	VerdictAccepted VerdictState = "accepted"
	VerdictRejected VerdictState = "rejected"
	VerdictTimedOut VerdictState = "timed_out"
	VerdictFailed   VerdictState = "failed" // 连接错误（瞬时故障，和超时一样可重试）
)

// Verdict 记录某个中继当前的裁决。
type Verdict struct {
	Relay   string       `json:"relay"`
	State   VerdictState `json:"state"`
	Reason  string       `json:"reason,omitempty"`
	Attempt int          `json:"attempt"`
	// Final 为 true 表示该中继不会再有状态迁移（接受、拒绝或重试耗尽）。
	Final     bool      `json:"final"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PublishStatus 是一次发布的聚合快照，每次单个中继状态迁移后都会推送一份。
type PublishStatus struct {
	ID       string             `json:"id"`
	EventID  string             `json:"event_id"`
	Label    string             `json:"label,omitempty"`
	Settled  bool               `json:"settled"`
	Success  bool               `json:"success"`
	Accepted int                `json:"accepted"`
	Total    int                `json:"total"`
	PerRelay map[string]Verdict `json:"per_relay"`
	// Done 表示所有中继都已到终态（或发布被放弃），之后不会再有更新。
	Done      bool `json:"done"`
	Abandoned bool `json:"abandoned,omitempty"`
}

// Clone 返回深拷贝，避免调用方修改内部裁决表。
func (s PublishStatus) Clone() PublishStatus {
	out := s
	out.PerRelay = make(map[string]Verdict, len(s.PerRelay))
	for k, v := range s.PerRelay {
		out.PerRelay[k] = v
	}
	return out
}
