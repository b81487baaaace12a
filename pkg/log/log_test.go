package log

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Level:  "debug",
		Format: "json",
		File: FileLogConfig{
			RootPath: dir,
			Filename: "postman.log",
		},
	}
	lg, props, err := InitLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, props)

	lg.Info("schema compiled", zap.String("schema", "greeting.proto"))
	require.NoError(t, lg.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "postman.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"schema compiled"`)
	assert.Contains(t, string(data), `"schema":"greeting.proto"`)
	assert.Equal(t, defaultLogMaxSize, cfg.File.MaxSize)
}

func TestInitLoggerRejectsDirectoryAsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "logs"), 0o755))

	_, _, err := InitLogger(&Config{File: FileLogConfig{RootPath: dir, Filename: "logs"}})
	assert.Error(t, err)
}

func TestInitLoggerLevels(t *testing.T) {
	_, props, err := InitLogger(&Config{Level: "trace"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, props.Level.Level())

	_, props, err = InitLogger(&Config{})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, props.Level.Level())

	_, _, err = InitLogger(&Config{Level: "loud"})
	assert.Error(t, err)
}

func TestCtxCarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	old, oldProps := L(), _globalP.Load().(*ZapProperties)
	ReplaceGlobals(zap.New(core), &ZapProperties{Core: core, Level: zap.NewAtomicLevelAt(zapcore.DebugLevel)})
	defer ReplaceGlobals(old, oldProps)

	ctx := WithModule(context.Background(), "translator")
	ctx = WithReqID(ctx, "req-1")
	Ctx(ctx).Info("json is about to be published")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "translator", fields[FieldNameModule])
	assert.Equal(t, "req-1", fields["reqID"])

	// 没有绑定 Logger 的上下文回退到全局 Logger。
	Ctx(context.Background()).Warn("fallback")
	assert.Equal(t, 1, logs.FilterMessage("fallback").Len())
}

func TestRatedWarnGroup(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := &MLogger{Logger: zap.New(core)}

	// 余额为 1，每秒补充极少额度：第一次通过，第二次被限流。
	rl := base.WithRateGroup("test.rated", 0.0001, 1)
	assert.True(t, rl.RatedWarn(1, "blank line skipped"))
	assert.False(t, rl.RatedWarn(1, "blank line skipped"))
	assert.Equal(t, 1, logs.FilterMessage("blank line skipped").Len())

	// 未设置分组时使用全局 nop 限流器。
	assert.True(t, base.RatedInfo(1, "no limit"))
	assert.True(t, base.With(zap.Int("n", 1)).RatedInfo(1, "no limit"))
}

func TestInitTestLogger(t *testing.T) {
	lg, _, err := InitTestLogger(t, &Config{Level: "debug"})
	require.NoError(t, err)
	lg.Debug("visible in test output")
}

func TestNewTestContext(t *testing.T) {
	ctx, logs := NewTestContext(t, zapcore.InfoLevel)
	Ctx(ctx).Debug("below level")
	Ctx(WithModule(ctx, "schema")).Info("compiled")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "schema", logs.All()[0].ContextMap()["module"])
}

func TestFieldsFromCtx(t *testing.T) {
	assert.Empty(t, FieldsFromCtx(context.Background()))

	ctx := WithModule(context.Background(), "postman")
	ctx = WithFields(ctx, zap.Int("line", 3))
	// 替换 logger 不影响已记录的字段
	ctx = WithLogger(ctx, &MLogger{Logger: zap.NewNop()})

	fields := FieldsFromCtx(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, FieldNameModule, fields[0].Key)
	assert.Equal(t, "line", fields[1].Key)
}
