package input

import (
	"context"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan Line) []Line {
	var lines []Line
	for l := range ch {
		lines = append(lines, l)
	}
	return lines
}

func TestLines(t *testing.T) {
	r := NewReader(strings.NewReader("{\"text\":\"hi\"}\n\n  \r\n{\"text\":\"yo\"}\r\nlast"), 0)
	lines := collect(r.Lines(context.Background()))
	require.Len(t, lines, 5)

	assert.Equal(t, `{"text":"hi"}`, lines[0].Text)
	assert.Equal(t, 1, lines[0].Number)
	assert.True(t, lines[1].IsBlank())
	assert.True(t, lines[2].IsBlank())
	assert.Equal(t, `{"text":"yo"}`, lines[3].Text)
	assert.Equal(t, "last", lines[4].Text)
	for _, l := range lines {
		assert.NoError(t, l.Err)
	}
}

func TestLineTooLongIsSkipped(t *testing.T) {
	r := NewReader(strings.NewReader("ok\n"+strings.Repeat("x", 64)+"\nafter\n"), 16)
	lines := collect(r.Lines(context.Background()))
	require.Len(t, lines, 3)
	assert.Equal(t, "ok", lines[0].Text)
	assert.ErrorIs(t, lines[1].Err, ErrLineTooLong)
	assert.Empty(t, lines[1].Text)
	assert.Equal(t, 2, lines[1].Number)
	assert.Equal(t, "after", lines[2].Text)
	assert.Equal(t, 3, lines[2].Number)
	assert.NoError(t, lines[2].Err)
}

func TestLineAtLimit(t *testing.T) {
	exact := strings.Repeat("y", 16)
	lines := collect(NewReader(strings.NewReader(exact+"\n"+exact+"z"), 16).Lines(context.Background()))
	require.Len(t, lines, 2)
	assert.Equal(t, exact, lines[0].Text)
	assert.NoError(t, lines[0].Err)
	// 末尾没有换行的超长行同样只影响自己
	assert.ErrorIs(t, lines[1].Err, ErrLineTooLong)
}

func TestLongLinesSpanningBuffer(t *testing.T) {
	fits := strings.Repeat("a", 100*1024)
	huge := strings.Repeat("b", 300*1024)
	in := fits + "\n" + huge + "\n" + "tail"
	lines := collect(NewReader(strings.NewReader(in), 200*1024).Lines(context.Background()))
	require.Len(t, lines, 3)
	assert.Equal(t, fits, lines[0].Text)
	assert.ErrorIs(t, lines[1].Err, ErrLineTooLong)
	assert.Equal(t, "tail", lines[2].Text)
}

func TestReadErrorEndsStream(t *testing.T) {
	boom := errors.New("disk gone")
	lines := collect(NewReader(io.MultiReader(strings.NewReader("a\n"), iotest.ErrReader(boom)), 0).Lines(context.Background()))
	require.Len(t, lines, 2)
	assert.Equal(t, "a", lines[0].Text)
	assert.ErrorIs(t, lines[1].Err, boom)
	assert.NotErrorIs(t, lines[1].Err, ErrLineTooLong)
}

func TestCancelWhileBlocked(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := NewReader(pr, 0).Lines(ctx)

	_, err := pw.Write([]byte("one\n"))
	require.NoError(t, err)
	first := <-ch
	assert.Equal(t, "one", first.Text)

	// 读取协程阻塞在 pipe 上，调用方仍可依靠 ctx 退出
	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not canceled")
	}

	// 关闭写端后读取协程退出并关闭通道
	pw.Close()
	select {
	case _, ok := <-ch:
		if ok {
			for range ch {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader goroutine did not exit")
	}
}
