package framer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Framer 抽象了二进制负载的打包/解包能力。
//
// 约定：
//   - 一帧数据的格式为：4 字节大端无符号整型（表示后续负载长度）+ 负载原始字节。
//   - 负载本身不做任何解释，通常为一条 protobuf wire 编码的消息。
type Framer interface {
	// WriteFrame 将 payload 打包为一帧并写入到 w 中。
	WriteFrame(w io.Writer, payload []byte) error

	// ReadFrame 从 r 中读取一帧数据并返回其负载。
	ReadFrame(r io.Reader) ([]byte, error)
}

// LengthPrefixedFramer 使用长度前缀（4 字节大端）作为帧边界。
// protobuf 消息本身不自带边界，写入文件或管道时依赖它区分相邻消息。
type LengthPrefixedFramer struct {
	// MaxFrameSize 为允许的最大负载长度，单位字节。
	// 为 0 时使用默认值 defaultMaxFrameSize。
	MaxFrameSize uint32
}

const defaultMaxFrameSize uint32 = 16 * 1024 * 1024 // 16MB

// 编译期断言：确保 LengthPrefixedFramer 实现了 Framer 接口。
var _ Framer = (*LengthPrefixedFramer)(nil)

// NewLengthPrefixedFramer 创建一个长度前缀帧编码器。
// maxFrameSize 为 0 时使用默认值。
func NewLengthPrefixedFramer(maxFrameSize uint32) *LengthPrefixedFramer {
	if maxFrameSize == 0 {
		maxFrameSize = defaultMaxFrameSize
	}
	return &LengthPrefixedFramer{
		MaxFrameSize: maxFrameSize,
	}
}

// WriteFrame 将 payload 编码为长度前缀帧并一次性写入 w。
func (f *LengthPrefixedFramer) WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(f.effectiveMaxSize()) {
		return fmt.Errorf("framer: frame size %d exceeds max %d", len(payload), f.effectiveMaxSize())
	}

	// header 与 body 合并为一次 Write，避免并发写入者之间的帧交错。
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("framer: write frame failed: %w", err)
	}
	return nil
}

// ReadFrame 从流中读取一帧数据。
// 流在帧边界处结束时返回 io.EOF；帧不完整时返回 io.ErrUnexpectedEOF。
func (f *LengthPrefixedFramer) ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("framer: read header failed: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > f.effectiveMaxSize() {
		return nil, fmt.Errorf("framer: frame size %d exceeds max %d", length, f.effectiveMaxSize())
	}

	body := make([]byte, int(length))
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("framer: read body failed: %w", err)
		}
	}
	return body, nil
}

func (f *LengthPrefixedFramer) effectiveMaxSize() uint32 {
	if f == nil || f.MaxFrameSize == 0 {
		return defaultMaxFrameSize
	}
	return f.MaxFrameSize
}
