package postman

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/proto-postman/internal/input"
	"github.com/lk2023060901/proto-postman/pkg/log"
	"github.com/lk2023060901/proto-postman/pkg/util/merr"
)

// Translator 是循环所需的翻译能力，由 *translator.Translator 实现。
type Translator interface {
	Send(ctx context.Context, jsonText string) error
}

// Stats 统计循环处理结果，可在循环运行期间并发读取。
type Stats struct {
	Lines     atomic.Int64
	Skipped   atomic.Int64
	Delivered atomic.Int64
	Rejected  atomic.Int64
	Failed    atomic.Int64
}

// Snapshot 以普通值返回当前统计，便于输出日志。
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"lines":     s.Lines.Load(),
		"skipped":   s.Skipped.Load(),
		"delivered": s.Delivered.Load(),
		"rejected":  s.Rejected.Load(),
		"failed":    s.Failed.Load(),
	}
}

// Postman 驱动 输入 -> 翻译 -> 发送 的主循环。
// 单条消息的错误（包括超长行）记录日志后继续处理下一行，只有读取错误或 ctx 结束会终止循环。
type Postman struct {
	translator   Translator
	in           io.Reader
	maxLineBytes int
	stats        Stats
}

func New(t Translator, in io.Reader, maxLineBytes int) *Postman {
	return &Postman{translator: t, in: in, maxLineBytes: maxLineBytes}
}

func (p *Postman) Stats() *Stats {
	return &p.stats
}

// Run 顺序处理输入直到 EOF（返回 nil）、ctx 结束（返回 ctx 错误）或输入读取失败。
func (p *Postman) Run(ctx context.Context) error {
	ctx = log.WithModule(ctx, "postman")
	logger := log.Ctx(ctx)
	blankLogger := logger.WithRateGroup("postman.blank", 1, 10)

	lines := input.NewReader(p.in, p.maxLineBytes).Lines(ctx)
	logger.Info("postman loop started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("postman loop canceled", zap.Any("stats", p.stats.Snapshot()))
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				logger.Info("input exhausted", zap.Any("stats", p.stats.Snapshot()))
				return nil
			}
			if line.Err != nil && !errors.Is(line.Err, input.ErrLineTooLong) {
				logger.Error("failed to read input", zap.Int("line", line.Number), zap.Error(line.Err))
				return errors.Wrap(line.Err, "read input")
			}
			p.stats.Lines.Inc()
			if line.Err != nil {
				p.stats.Rejected.Inc()
				logger.Warn("message rejected", zap.Int("line", line.Number), zap.Error(line.Err))
				continue
			}
			if line.IsBlank() {
				p.stats.Skipped.Inc()
				blankLogger.RatedWarn(1, "skip blank input line", zap.Int("line", line.Number))
				continue
			}
			if err := p.handle(ctx, line); err != nil {
				return err
			}
		}
	}
}

// handle 只在 ctx 结束时返回错误，其余错误计入统计后吞掉。
func (p *Postman) handle(ctx context.Context, line input.Line) error {
	err := p.translator.Send(log.WithFields(ctx, zap.Int("line", line.Number)), line.Text)
	switch {
	case err == nil:
		p.stats.Delivered.Inc()
	case merr.IsCanceledOrTimeout(err) && ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, merr.ErrInvalidJSONForSchema):
		p.stats.Rejected.Inc()
		log.Ctx(ctx).Warn("message rejected", zap.Int("line", line.Number), zap.Error(err))
	default:
		p.stats.Failed.Inc()
		log.Ctx(ctx).Warn("message not delivered", zap.Int("line", line.Number), zap.Error(err))
	}
	return nil
}
