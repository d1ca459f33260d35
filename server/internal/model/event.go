package model

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Newer 定义 timeline 的全序：created_at 降序，同一秒内按 id 升序。
// 同秒事件很常见，id 作为 tiebreak 保证分页和断言都是确定的。
func Newer(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}

// ValidateSigned 检查一个待发布事件是否“已定稿”。
// 只检查字段是否齐全；签名校验属于身份层，不在这里做。
func ValidateSigned(evt *nostr.Event) error {
	if evt == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if evt.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if evt.PubKey == "" {
		return fmt.Errorf("%w: missing pubkey", ErrInvalidEvent)
	}
	if evt.Sig == "" {
		return fmt.Errorf("%w: missing sig", ErrInvalidEvent)
	}
	return nil
}
