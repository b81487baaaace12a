package sender

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/proto-postman/internal/compressor"
	"github.com/lk2023060901/proto-postman/internal/framer"
	"github.com/lk2023060901/proto-postman/internal/serializer"
)

type StreamFormat string

const (
	// FormatFrame 输出 4 字节大端长度前缀 + 负载。
	FormatFrame StreamFormat = "frame"
	// FormatJSON 每行输出一条 JSON 记录，负载以 base64 编码。
	FormatJSON StreamFormat = "json"
)

// streamRecord 是 json 格式下的单行记录。
type streamRecord struct {
	Topic string `json:"topic,omitempty"`
	Key   []byte `json:"key,omitempty"`
	Value []byte `json:"value"`
	Size  int    `json:"size"`
}

// StreamSender 将负载写入本地流（stdout 或文件），用于调试与离线回放。
// 内部互斥锁保证并发 Send 时整帧写入不交错。
type StreamSender struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer

	topic      string
	format     StreamFormat
	framer     framer.Framer
	compressor compressor.Compressor
	json       serializer.JSONSerializer
}

var _ KeyedSender = (*StreamSender)(nil)

type StreamOption func(*StreamSender)

func WithFormat(format StreamFormat) StreamOption {
	return func(s *StreamSender) {
		s.format = format
	}
}

func WithCompressor(c compressor.Compressor) StreamOption {
	return func(s *StreamSender) {
		s.compressor = c
	}
}

// WithTopic 设置 json 记录中的 topic 字段。
func WithTopic(topic string) StreamOption {
	return func(s *StreamSender) {
		s.topic = topic
	}
}

func NewStreamSender(w io.Writer, opts ...StreamOption) *StreamSender {
	s := &StreamSender{
		w:          w,
		format:     FormatFrame,
		framer:     framer.NewLengthPrefixedFramer(0),
		compressor: compressor.NopCompressor{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenFileSender 以追加方式打开 path 并返回写入该文件的 StreamSender。
func OpenFileSender(path string, opts ...StreamOption) (*StreamSender, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open sender file %s", path)
	}
	s := NewStreamSender(f, opts...)
	s.closer = f
	return s, nil
}

func (s *StreamSender) Send(ctx context.Context, payload []byte) error {
	return s.SendKeyed(ctx, nil, payload)
}

func (s *StreamSender) SendKeyed(ctx context.Context, key, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	packed, err := s.compressor.Compress(nil, payload)
	if err != nil {
		return errors.Wrap(err, "compress payload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.format {
	case FormatJSON:
		line, err := s.json.Marshal(streamRecord{Topic: s.topic, Key: key, Value: packed, Size: len(payload)})
		if err != nil {
			return errors.Wrap(err, "encode record")
		}
		_, err = s.w.Write(append(line, '\n'))
		return err
	default:
		return s.framer.WriteFrame(s.w, packed)
	}
}

// Close 关闭由 OpenFileSender 打开的文件以及压缩器。
func (s *StreamSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.compressor.(*compressor.ZstdCompressor); ok {
		c.Close()
	}
	if s.closer != nil {
		err := s.closer.Close()
		s.closer = nil
		return err
	}
	return nil
}
