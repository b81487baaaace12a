package sender

import (
	"io"
	"time"

	"github.com/lk2023060901/proto-postman/internal/compressor"
	"github.com/lk2023060901/proto-postman/pkg/util/merr"
	"github.com/lk2023060901/proto-postman/pkg/util/retry"
)

const (
	TypeKafka  = "kafka"
	TypeStdout = "stdout"
	TypeFile   = "file"

	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Config 对应配置中的 sender 段。
type Config struct {
	Type        string      `mapstructure:"type"`
	File        string      `mapstructure:"file"`
	Format      string      `mapstructure:"format"`
	Compression string      `mapstructure:"compression"`
	Retry       RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	Attempts uint          `mapstructure:"attempts"`
	Sleep    time.Duration `mapstructure:"sleep"`
	MaxSleep time.Duration `mapstructure:"max-sleep"`
}

// New 按配置构造 Sender。
// stdout 为 type=stdout 时的输出目标；Attempts 大于 1 时外层包一层 RetrySender。
func New(cfg Config, kafkaCfg KafkaConfig, stdout io.Writer) (Sender, error) {
	var s Sender
	switch cfg.Type {
	case "", TypeKafka:
		// 记录压缩由 broker 侧配置决定，这里只支持原样写入。
		if cfg.Compression != "" && cfg.Compression != CompressionNone {
			return nil, merr.WrapErrOperationNotSupported("sender.compression", "kafka sender writes records as is")
		}
		ks, err := NewKafkaSender(kafkaCfg)
		if err != nil {
			return nil, err
		}
		s = ks
	case TypeStdout, TypeFile:
		opts, err := streamOptions(cfg, kafkaCfg.Topic)
		if err != nil {
			return nil, err
		}
		if cfg.Type == TypeStdout {
			s = NewStreamSender(stdout, opts...)
			break
		}
		if cfg.File == "" {
			return nil, merr.WrapErrParameterMissing("sender.file")
		}
		fs, err := OpenFileSender(cfg.File, opts...)
		if err != nil {
			return nil, merr.WrapErrParameterInvalidMsg("sender.file %s: %s", cfg.File, err.Error())
		}
		s = fs
	default:
		return nil, merr.WrapErrParameterInvalid("kafka|stdout|file", cfg.Type, "sender.type")
	}

	if cfg.Retry.Attempts > 1 {
		opts := []retry.Option{retry.Attempts(cfg.Retry.Attempts)}
		if cfg.Retry.Sleep > 0 {
			opts = append(opts, retry.Sleep(cfg.Retry.Sleep))
		}
		if cfg.Retry.MaxSleep > 0 {
			opts = append(opts, retry.MaxSleepTime(cfg.Retry.MaxSleep))
		}
		s = NewRetrySender(s, opts...)
	}
	return s, nil
}

func streamOptions(cfg Config, topic string) ([]StreamOption, error) {
	opts := []StreamOption{WithTopic(topic)}
	switch StreamFormat(cfg.Format) {
	case "", FormatFrame:
		opts = append(opts, WithFormat(FormatFrame))
	case FormatJSON:
		opts = append(opts, WithFormat(FormatJSON))
	default:
		return nil, merr.WrapErrParameterInvalid("frame|json", cfg.Format, "sender.format")
	}
	switch cfg.Compression {
	case "", CompressionNone:
	case CompressionZstd:
		c, err := compressor.NewZstdCompressor()
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithCompressor(c))
	default:
		return nil, merr.WrapErrParameterInvalid("none|zstd", cfg.Compression, "sender.compression")
	}
	return opts, nil
}
