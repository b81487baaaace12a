package sender

import (
	"context"

	"github.com/lk2023060901/proto-postman/pkg/util/retry"
)

// RetrySender 在内部 Sender 失败时按退避策略重试。
// 内部 Sender 不支持 key 时，SendKeyed 退化为 Send。
type RetrySender struct {
	inner Sender
	opts  []retry.Option
}

var _ KeyedSender = (*RetrySender)(nil)

func NewRetrySender(inner Sender, opts ...retry.Option) *RetrySender {
	return &RetrySender{inner: inner, opts: opts}
}

func (s *RetrySender) Send(ctx context.Context, payload []byte) error {
	return retry.Do(ctx, func() error {
		return s.inner.Send(ctx, payload)
	}, s.opts...)
}

func (s *RetrySender) SendKeyed(ctx context.Context, key, payload []byte) error {
	keyed, ok := s.inner.(KeyedSender)
	if !ok {
		return s.Send(ctx, payload)
	}
	return retry.Do(ctx, func() error {
		return keyed.SendKeyed(ctx, key, payload)
	}, s.opts...)
}

// Close 关闭内部 Sender（若其实现了 Close）。
func (s *RetrySender) Close() error {
	if c, ok := s.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
