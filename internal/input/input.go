package input

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
)

// DefaultMaxLineBytes 为单行允许的最大字节数。
const DefaultMaxLineBytes = 4 * 1024 * 1024

// Line 是输入流中的一行，Number 从 1 开始计数。
// Err 非空时表示该行不可用：ErrLineTooLong 只影响这一行，其他错误是通道中的最后一项。
type Line struct {
	Number int
	Text   string
	Err    error
}

// Reader 按行读取 JSON 消息，每行一条。
type Reader struct {
	r            io.Reader
	maxLineBytes int
}

func NewReader(r io.Reader, maxLineBytes int) *Reader {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Reader{r: r, maxLineBytes: maxLineBytes}
}

// ErrLineTooLong 标记超过 maxLineBytes 的行，该行剩余内容被丢弃，读取继续。
var ErrLineTooLong = errors.New("input line too long")

// Lines 启动一个读取协程并返回行通道。
//
// 读取在独立协程中进行，stdin 阻塞时调用方仍能通过 ctx 及时退出；
// 通道在 EOF、读取错误或 ctx 结束后关闭。ctx 结束时阻塞中的读取协程
// 会在底层 Read 返回后退出。
// 超长行以 ErrLineTooLong 作为该行的 Err 投递，其后的行照常读取；
// 其他读取错误是通道中的最后一项。
func (r *Reader) Lines(ctx context.Context) <-chan Line {
	out := make(chan Line)
	go func() {
		defer close(out)

		emit := func(line Line) bool {
			select {
			case out <- line:
				return true
			case <-ctx.Done():
				return false
			}
		}

		size := 64 * 1024
		if size > r.maxLineBytes+1 {
			size = r.maxLineBytes + 1
		}
		br := bufio.NewReaderSize(r.r, size)

		var (
			buf   []byte
			total int
			n     int
		)
		for {
			frag, err := br.ReadSlice('\n')
			total += len(frag)
			// 超长后不再累积，只计数，内存占用以 maxLineBytes 为上限
			if total <= r.maxLineBytes+1 {
				buf = append(buf, frag...)
			}
			switch {
			case errors.Is(err, bufio.ErrBufferFull):
				continue
			case err != nil && !errors.Is(err, io.EOF):
				emit(Line{Number: n + 1, Err: err})
				return
			case errors.Is(err, io.EOF) && total == 0:
				return
			}

			n++
			length := total
			if len(frag) > 0 && frag[len(frag)-1] == '\n' {
				length--
			}
			line := Line{Number: n}
			if length > r.maxLineBytes {
				line.Err = errors.Wrapf(ErrLineTooLong, "line %d has %d bytes, limit %d", n, length, r.maxLineBytes)
			} else {
				text := strings.TrimSuffix(string(buf), "\n")
				line.Text = strings.TrimSuffix(text, "\r")
			}
			if !emit(line) || err != nil {
				return
			}
			buf, total = buf[:0], 0
		}
	}()
	return out
}

// IsBlank 判断一行是否只包含空白字符。
func (l Line) IsBlank() bool {
	return strings.TrimSpace(l.Text) == ""
}
