package sender

import (
	"context"
)

// Sender 将一条已编码的二进制负载交给外部传输层。
//
// 翻译器对每条消息恰好调用一次 Send，不做重试；重试策略由 RetrySender 装饰提供。
// 实现需自行保证并发安全性，或在文档中说明。
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// KeyedSender 是可携带记录 key 的 Sender，例如按 key 分区的 Kafka。
type KeyedSender interface {
	Sender
	SendKeyed(ctx context.Context, key, payload []byte) error
}

// SenderFunc 将普通函数适配为 Sender，常用于测试。
type SenderFunc func(ctx context.Context, payload []byte) error

func (f SenderFunc) Send(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}
