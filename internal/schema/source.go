package schema

import (
	"context"
	"os"
	"path/filepath"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lk2023060901/proto-postman/pkg/log"
	"github.com/lk2023060901/proto-postman/pkg/util/merr"
)

// Schema 是一份 .proto 源文本。
// 文本在编译完成后即可丢弃，编译结果不引用它。
type Schema struct {
	// Name 用于日志与错误信息，通常为文件名或 etcd key。
	Name string
	Text string
}

// Source 负责在启动时取得 schema 文本。
type Source interface {
	Load(ctx context.Context) (Schema, error)
}

// FileSource 从本地文件读取 schema。
type FileSource struct {
	Path string
}

var _ Source = (*FileSource)(nil)

func (s *FileSource) Load(ctx context.Context) (Schema, error) {
	if s.Path == "" {
		return Schema{}, merr.WrapErrParameterMissing("schema.path")
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		log.Ctx(ctx).Error("failed to read schema file", zap.String("path", s.Path), zap.Error(err))
		return Schema{}, merr.WrapErrSchemaSourceUnavailable(err, s.Path)
	}
	return Schema{Name: filepath.Base(s.Path), Text: string(data)}, nil
}

// EtcdSource 从 etcd 的单个 key 读取 schema，便于多个实例共享同一份定义。
type EtcdSource struct {
	KV      clientv3.KV
	Key     string
	Timeout time.Duration
}

var _ Source = (*EtcdSource)(nil)

const defaultEtcdTimeout = 5 * time.Second

func (s *EtcdSource) Load(ctx context.Context) (Schema, error) {
	if s.KV == nil {
		return Schema{}, merr.WrapErrParameterMissing("schema.etcd.endpoints")
	}
	if s.Key == "" {
		return Schema{}, merr.WrapErrParameterMissing("schema.etcd.key")
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultEtcdTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := log.Ctx(ctx).With(zap.String("key", s.Key))
	resp, err := s.KV.Get(ctx, s.Key)
	if err != nil {
		logger.Error("failed to get schema from etcd", zap.Error(err))
		return Schema{}, merr.WrapErrSchemaSourceUnavailable(err, "etcd:"+s.Key)
	}
	if len(resp.Kvs) == 0 {
		logger.Error("schema key not found in etcd")
		return Schema{}, merr.WrapErrSchemaSourceUnavailable(nil, "etcd:"+s.Key, "key not found")
	}

	kv := resp.Kvs[0]
	logger.Info("schema loaded from etcd", zap.Int64("modRevision", kv.ModRevision), zap.Int("size", len(kv.Value)))
	return Schema{Name: filepath.Base(s.Key), Text: string(kv.Value)}, nil
}
