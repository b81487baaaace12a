package translator

import (
	"github.com/lk2023060901/proto-postman/pkg/log"
)

type options struct {
	discardUnknown bool
	keyField       string
	logger         *log.MLogger
}

func defaultOptions() *options {
	return &options{discardUnknown: true}
}

// Option 配置 Bind 生成的 Translator。
type Option func(*options)

// WithDiscardUnknown 控制是否忽略 schema 中不存在的 JSON 字段，默认忽略。
func WithDiscardUnknown(discard bool) Option {
	return func(o *options) {
		o.discardUnknown = discard
	}
}

// WithKeyField 以顶层标量字段 name 的值作为记录 key。
// 仅当 Sender 实现了 sender.KeyedSender 时生效。
func WithKeyField(name string) Option {
	return func(o *options) {
		o.keyField = name
	}
}

// WithLogger 指定基础 Logger，未设置时使用调用 ctx 中的 Logger。
func WithLogger(logger *log.MLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
