package sender

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"go.uber.org/zap"

	"github.com/lk2023060901/proto-postman/pkg/log"
	"github.com/lk2023060901/proto-postman/pkg/util/merr"
)

// KafkaConfig 对应配置中的 kafka 段。
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	SASLUsername string        `mapstructure:"sasl-username"`
	SASLPassword string        `mapstructure:"sasl-password"`
	RequiredAcks int           `mapstructure:"required-acks"`
	WriteTimeout time.Duration `mapstructure:"write-timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender 将负载作为一条 Kafka 记录同步写入固定 topic。
// 底层 kafka.Writer 并发安全，因此 KafkaSender 也可被并发调用。
type KafkaSender struct {
	topic  string
	writer messageWriter
}

var _ KeyedSender = (*KafkaSender)(nil)

func NewKafkaSender(cfg KafkaConfig) (*KafkaSender, error) {
	if len(cfg.Brokers) == 0 {
		return nil, merr.WrapErrParameterMissing("kafka.brokers")
	}
	if cfg.Topic == "" {
		return nil, merr.WrapErrParameterMissing("kafka.topic")
	}
	acks := kafka.RequiredAcks(cfg.RequiredAcks)
	switch acks {
	case kafka.RequireNone, kafka.RequireOne, kafka.RequireAll:
	default:
		return nil, merr.WrapErrParameterInvalidMsg("kafka.required-acks must be -1, 0 or 1, got %d", cfg.RequiredAcks)
	}

	logger := log.L().With(log.FieldComponent("kafka"), zap.String("topic", cfg.Topic))
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: acks,
		// 每条消息独立提交，Send 返回即代表 broker 已按 acks 确认。
		BatchSize:    1,
		WriteTimeout: cfg.WriteTimeout,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Sugar().Errorf(msg, args...)
		}),
	}
	if cfg.SASLUsername != "" {
		w.Transport = &kafka.Transport{
			SASL: plain.Mechanism{Username: cfg.SASLUsername, Password: cfg.SASLPassword},
		}
	}
	logger.Info("kafka sender created", zap.Strings("brokers", cfg.Brokers), zap.Int("requiredAcks", cfg.RequiredAcks))
	return newKafkaSenderWithWriter(cfg.Topic, w), nil
}

func newKafkaSenderWithWriter(topic string, w messageWriter) *KafkaSender {
	return &KafkaSender{topic: topic, writer: w}
}

func (s *KafkaSender) Send(ctx context.Context, payload []byte) error {
	return s.writer.WriteMessages(ctx, kafka.Message{Value: payload})
}

func (s *KafkaSender) SendKeyed(ctx context.Context, key, payload []byte) error {
	return s.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: payload})
}

// Close 刷新并关闭底层连接。
func (s *KafkaSender) Close() error {
	return s.writer.Close()
}
