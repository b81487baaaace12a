package sender

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/proto-postman/internal/compressor"
	"github.com/lk2023060901/proto-postman/internal/framer"
	"github.com/lk2023060901/proto-postman/internal/serializer"
	"github.com/lk2023060901/proto-postman/pkg/util/merr"
	"github.com/lk2023060901/proto-postman/pkg/util/retry"
)

var greetingBytes = []byte{0x0a, 0x02, 0x68, 0x69}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSender(t *testing.T) {
	w := &fakeWriter{}
	s := newKafkaSenderWithWriter("greetings", w)

	require.NoError(t, s.Send(context.Background(), greetingBytes))
	require.NoError(t, s.SendKeyed(context.Background(), []byte("k1"), greetingBytes))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, greetingBytes, w.msgs[0].Value)
	assert.Nil(t, w.msgs[0].Key)
	assert.Equal(t, []byte("k1"), w.msgs[1].Key)

	boom := errors.New("leader not available")
	w.err = boom
	assert.ErrorIs(t, s.Send(context.Background(), greetingBytes), boom)

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaSenderValidation(t *testing.T) {
	_, err := NewKafkaSender(KafkaConfig{Topic: "t"})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)

	_, err = NewKafkaSender(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)

	_, err = NewKafkaSender(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t", RequiredAcks: 3})
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)

	s, err := NewKafkaSender(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "t",
		RequiredAcks: -1,
		SASLUsername: "user",
		SASLPassword: "secret",
	})
	require.NoError(t, err)
	kw := s.writer.(*kafka.Writer)
	assert.Equal(t, kafka.RequireAll, kw.RequiredAcks)
	assert.NotNil(t, kw.Transport)
	require.NoError(t, s.Close())
}

func TestStreamSenderFrames(t *testing.T) {
	var buf bytes.Buffer
	s := NewStreamSender(&buf)
	require.NoError(t, s.Send(context.Background(), greetingBytes))
	require.NoError(t, s.Send(context.Background(), []byte("x")))

	f := framer.NewLengthPrefixedFramer(0)
	got, err := f.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, greetingBytes, got)
	got, err = f.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestStreamSenderJSONWithZstd(t *testing.T) {
	c, err := compressor.NewZstdCompressorWithConcurrency(1)
	require.NoError(t, err)

	var buf bytes.Buffer
	s := NewStreamSender(&buf, WithFormat(FormatJSON), WithCompressor(c), WithTopic("greetings"))
	require.NoError(t, s.SendKeyed(context.Background(), []byte("k"), greetingBytes))

	sc := bufio.NewScanner(&buf)
	require.True(t, sc.Scan())
	var rec streamRecord
	require.NoError(t, serializer.JSONSerializer{}.Unmarshal(sc.Bytes(), &rec))
	assert.Equal(t, "greetings", rec.Topic)
	assert.Equal(t, []byte("k"), rec.Key)
	assert.Equal(t, len(greetingBytes), rec.Size)

	d, err := compressor.NewZstdCompressorWithConcurrency(1)
	require.NoError(t, err)
	defer d.Close()
	plain, err := d.Decompress(nil, rec.Value)
	require.NoError(t, err)
	assert.Equal(t, greetingBytes, plain)

	require.NoError(t, s.Close())
}

func TestStreamSenderCanceled(t *testing.T) {
	var buf bytes.Buffer
	s := NewStreamSender(&buf)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, greetingBytes), context.Canceled)
	assert.Zero(t, buf.Len())
}

func TestStreamSenderConcurrent(t *testing.T) {
	var buf bytes.Buffer
	s := NewStreamSender(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Send(context.Background(), greetingBytes))
		}()
	}
	wg.Wait()

	f := framer.NewLengthPrefixedFramer(0)
	for i := 0; i < 16; i++ {
		got, err := f.ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, greetingBytes, got)
	}
}

func TestFileSender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	s, err := OpenFileSender(path)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), greetingBytes))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0, 0, 0, 4}, greetingBytes...), data)
}

func TestRetrySender(t *testing.T) {
	calls := 0
	inner := SenderFunc(func(context.Context, []byte) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	s := NewRetrySender(inner, retry.Attempts(5), retry.Sleep(time.Millisecond))
	require.NoError(t, s.Send(context.Background(), greetingBytes))
	assert.Equal(t, 3, calls)

	// 内部 Sender 不支持 key 时退化为 Send
	calls = 10
	require.NoError(t, s.SendKeyed(context.Background(), []byte("k"), greetingBytes))
	assert.Equal(t, 11, calls)

	w := &fakeWriter{err: errors.New("down")}
	ks := NewRetrySender(newKafkaSenderWithWriter("t", w), retry.Attempts(2), retry.Sleep(time.Millisecond))
	assert.Error(t, ks.SendKeyed(context.Background(), []byte("k"), greetingBytes))
	require.NoError(t, ks.Close())
	assert.True(t, w.closed)
}

func TestFactory(t *testing.T) {
	var out bytes.Buffer
	s, err := New(Config{Type: TypeStdout}, KafkaConfig{Topic: "t"}, &out)
	require.NoError(t, err)
	require.IsType(t, &StreamSender{}, s)
	require.NoError(t, s.Send(context.Background(), greetingBytes))
	assert.Equal(t, 8, out.Len())

	s, err = New(Config{Type: TypeStdout, Retry: RetryConfig{Attempts: 3}}, KafkaConfig{}, &out)
	require.NoError(t, err)
	assert.IsType(t, &RetrySender{}, s)

	s, err = New(Config{Type: TypeFile, File: filepath.Join(t.TempDir(), "o.bin"), Format: "json", Compression: "zstd"}, KafkaConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.(*StreamSender).Close())

	_, err = New(Config{Type: TypeFile}, KafkaConfig{}, nil)
	assert.ErrorIs(t, err, merr.ErrParameterMissing)

	_, err = New(Config{Type: "carrier-pigeon"}, KafkaConfig{}, nil)
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)

	_, err = New(Config{Type: TypeStdout, Format: "xml"}, KafkaConfig{}, &out)
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)

	_, err = New(Config{Type: TypeStdout, Compression: "lz4"}, KafkaConfig{}, &out)
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)

	_, err = New(Config{Type: TypeKafka, Compression: CompressionZstd}, KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, nil)
	assert.ErrorIs(t, err, merr.ErrOperationNotSupported)

	_, err = New(Config{Type: TypeKafka}, KafkaConfig{}, nil)
	assert.ErrorIs(t, err, merr.ErrParameterMissing)
}
