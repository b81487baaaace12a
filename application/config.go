package application

import (
	"time"

	"github.com/lk2023060901/proto-postman/internal/input"
	"github.com/lk2023060901/proto-postman/internal/schema"
	"github.com/lk2023060901/proto-postman/internal/sender"
	zviper "github.com/lk2023060901/proto-postman/pkg/util/viper"
)

const (
	envPrefix = "POSTMAN"

	SourceFile = "file"
	SourceEtcd = "etcd"

	CompilerProtoc   = "protoc"
	CompilerEmbedded = "embedded"
)

// Config is the typed view of the configuration file.
type Config struct {
	Schema     SchemaConfig       `mapstructure:"schema"`
	Translator TranslatorConfig   `mapstructure:"translator"`
	Sender     sender.Config      `mapstructure:"sender"`
	Kafka      sender.KafkaConfig `mapstructure:"kafka"`
	Input      InputConfig        `mapstructure:"input"`
	Metrics    MetricsConfig      `mapstructure:"metrics"`
}

type SchemaConfig struct {
	Source       string              `mapstructure:"source"`
	Path         string              `mapstructure:"path"`
	Message      string              `mapstructure:"message"`
	Compiler     string              `mapstructure:"compiler"`
	IncludePaths []string            `mapstructure:"include-paths"`
	Protoc       schema.ProtocConfig `mapstructure:"protoc"`
	Etcd         EtcdConfig          `mapstructure:"etcd"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Key         string        `mapstructure:"key"`
	DialTimeout time.Duration `mapstructure:"dial-timeout"`
}

type TranslatorConfig struct {
	DiscardUnknown bool   `mapstructure:"discard-unknown"`
	KeyField       string `mapstructure:"key-field"`
}

type InputConfig struct {
	MaxLineBytes int `mapstructure:"max-line-bytes"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// setDefaults registers every key so that POSTMAN_* env vars can override it
// even when the file does not mention the key.
func setDefaults(cfg *zviper.Config) {
	defaults := map[string]any{
		"schema.source":              SourceFile,
		"schema.path":                "./schema.proto",
		"schema.message":             "",
		"schema.compiler":            CompilerProtoc,
		"schema.include-paths":       []string{},
		"schema.protoc.path":         "protoc",
		"schema.protoc.min-version":  "",
		"schema.protoc.grace-period": 3 * time.Second,
		"schema.etcd.endpoints":      []string{"127.0.0.1:2379"},
		"schema.etcd.key":            "/postman/schema",
		"schema.etcd.dial-timeout":   5 * time.Second,

		"translator.discard-unknown": true,
		"translator.key-field":       "",

		"sender.type":            sender.TypeKafka,
		"sender.file":            "./out.bin",
		"sender.format":          string(sender.FormatFrame),
		"sender.compression":     sender.CompressionNone,
		"sender.retry.attempts":  1,
		"sender.retry.sleep":     200 * time.Millisecond,
		"sender.retry.max-sleep": 3 * time.Second,

		"kafka.brokers":       []string{"localhost:9092"},
		"kafka.topic":         "postman",
		"kafka.sasl-username": "",
		"kafka.sasl-password": "",
		"kafka.required-acks": 1,
		"kafka.write-timeout": 10 * time.Second,

		"input.max-line-bytes": input.DefaultMaxLineBytes,

		"metrics.listen": "",
	}
	for k, v := range defaults {
		cfg.SetDefault(k, v)
	}
}
