package application

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lk2023060901/proto-postman/internal/framer"
	"github.com/lk2023060901/proto-postman/internal/schema"
	zlog "github.com/lk2023060901/proto-postman/pkg/log"
	"github.com/lk2023060901/proto-postman/pkg/util/merr"
)

const greetingSchema = `syntax = "proto3";
package demo;

message Greeting {
  string text = 1;
}
`

type countingSender struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *countingSender) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return nil
}

type ApplicationSuite struct {
	suite.Suite
	dir    string
	ctx    context.Context
	logs   *observer.ObservedLogs
	sender *countingSender
}

func (s *ApplicationSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.ctx, s.logs = zlog.NewTestContext(s.T(), zap.DebugLevel)
	s.sender = &countingSender{}
	s.T().Setenv("POSTMAN_CONFIG_FILE_PATH", "")
}

func (s *ApplicationSuite) write(name, content string) string {
	path := filepath.Join(s.dir, name)
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o755))
	return path
}

func (s *ApplicationSuite) config(extra string) string {
	schemaPath := s.write("greeting.proto", greetingSchema)
	return s.write("config.yaml", "schema:\n  path: "+schemaPath+"\n"+extra)
}

func (s *ApplicationSuite) TestGeneratorFailureIsFatal() {
	if runtime.GOOS == "windows" {
		s.T().Skip("fake generator requires sh")
	}
	gen := s.write("fake-protoc", "#!/bin/sh\necho \"syntax error line 3\" >&2\nexit 1\n")
	cfg := s.config("  compiler: protoc\n  protoc:\n    path: " + gen + "\n")

	app := New(WithArgs([]string{"--config", cfg}), WithSender(s.sender), WithInput(strings.NewReader("{\"text\":\"hi\"}\n")))
	err := app.Run(s.ctx)
	s.Require().Error(err)
	s.ErrorIs(err, merr.ErrSchemaGenerationFailed)
	s.True(merr.IsFatal(err))
	s.Empty(s.sender.payloads)

	found := false
	for _, entry := range s.logs.All() {
		for _, v := range entry.ContextMap() {
			if str, ok := v.(string); ok && strings.Contains(str, "syntax error line 3") {
				found = true
			}
		}
	}
	s.True(found, "stderr of the generator should be logged")
	s.Equal(1, s.logs.FilterMessage("startup failed").Len())
}

func (s *ApplicationSuite) TestMalformedThenValid() {
	cfg := s.config("  compiler: embedded\n")
	app := New(
		WithArgs([]string{"--config=" + cfg}),
		WithSender(s.sender),
		WithInput(strings.NewReader("{\"text\": oops\n{\"text\":\"hi\"}\n")),
	)
	s.Require().NoError(app.Run(s.ctx))
	s.Require().Len(s.sender.payloads, 1)
	s.Equal([]byte{0x0a, 0x02, 0x68, 0x69}, s.sender.payloads[0])
	s.Equal(int64(1), app.Postman().Stats().Rejected.Load())
	s.Equal(1, s.logs.FilterMessage("pipeline ready").Len())
}

func (s *ApplicationSuite) TestStdoutSenderFromConfig() {
	cfg := s.config("  compiler: embedded\nsender:\n  type: stdout\n")
	var out bytes.Buffer
	app := New(WithArgs([]string{"--config", cfg}), WithOutput(&out), WithInput(strings.NewReader("{\"text\":\"hi\"}\n\n{\"text\":\"hi\"}\n")))
	s.Require().NoError(app.Run(s.ctx))

	f := framer.NewLengthPrefixedFramer(0)
	for i := 0; i < 2; i++ {
		frame, err := f.ReadFrame(&out)
		s.Require().NoError(err)
		s.Equal([]byte{0x0a, 0x02, 0x68, 0x69}, frame)
	}
	s.Zero(out.Len())
	s.Equal(int64(1), app.Postman().Stats().Skipped.Load())
}

func (s *ApplicationSuite) TestEnvOverridesConfig() {
	cfg := s.config("  compiler: embedded\n  message: demo.Missing\n")
	s.T().Setenv("POSTMAN_SCHEMA_MESSAGE", "demo.Greeting")

	app := New(WithArgs([]string{"--config", cfg}), WithSender(s.sender), WithInput(strings.NewReader("{\"text\":\"hi\"}\n")))
	s.Require().NoError(app.Run(s.ctx))
	s.Len(s.sender.payloads, 1)
	s.Equal("demo.Greeting", app.Config().GetString("schema.message"))
}

func (s *ApplicationSuite) TestUnknownMessageIsFatal() {
	cfg := s.config("  compiler: embedded\n  message: demo.Missing\n")
	app := New(WithArgs([]string{"--config", cfg}), WithSender(s.sender), WithInput(strings.NewReader("")))
	err := app.Run(s.ctx)
	s.ErrorIs(err, merr.ErrNoMessageTypeFound)
	s.True(merr.IsFatal(err))
}

func (s *ApplicationSuite) TestInjectedSourceAndCompiler() {
	app := New(
		WithArgs([]string{"--config", s.write("empty.yaml", "{}\n")}),
		WithSchemaSource(staticSource{text: greetingSchema}),
		WithCompiler(schema.NewEmbeddedCompiler()),
		WithSender(s.sender),
		WithInput(strings.NewReader("{\"text\":\"hi\"}\n")),
	)
	s.Require().NoError(app.Run(s.ctx))
	s.Len(s.sender.payloads, 1)
}

func (s *ApplicationSuite) TestInvalidSettings() {
	cases := map[string]string{
		"source":      "  source: ftp\n",
		"compiler":    "  compiler: javac\n",
		"sender type": "  compiler: embedded\nsender:\n  type: pigeon\n",
	}
	for name, extra := range cases {
		app := New(WithArgs([]string{"--config", s.config(extra)}), WithInput(strings.NewReader("")))
		err := app.Run(s.ctx)
		s.ErrorIs(err, merr.ErrParameterInvalid, name)
		s.True(merr.IsFatal(err), name)
	}
}

func (s *ApplicationSuite) TestConfigPathResolution() {
	app := New(WithArgs([]string{"--config", filepath.Join(s.dir, "absent.yaml")}))
	s.ErrorIs(app.Run(s.ctx), merr.ErrParameterInvalid)

	app = New(WithArgs([]string{"--config"}))
	s.ErrorIs(app.Run(s.ctx), merr.ErrParameterMissing)

	s.T().Setenv("POSTMAN_CONFIG_FILE_PATH", filepath.Join(s.dir, "absent-env.yaml"))
	app = New(WithArgs(nil))
	s.ErrorIs(app.Run(s.ctx), merr.ErrParameterInvalid)
}

func (s *ApplicationSuite) TestCanceledBeforeStart() {
	cfg := s.config("  compiler: embedded\n")
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	app := New(WithArgs([]string{"--config", cfg}), WithSender(s.sender), WithInput(strings.NewReader("{\"text\":\"hi\"}\n")))
	err := app.Run(ctx)
	// 取消发生在编译阶段时属于启动失败，发生在循环中时视为正常退出
	if err != nil {
		s.True(merr.IsCanceledOrTimeout(err))
	}
	s.Empty(s.sender.payloads)
}

func TestApplication(t *testing.T) {
	suite.Run(t, new(ApplicationSuite))
}

type staticSource struct {
	text string
}

func (s staticSource) Load(context.Context) (schema.Schema, error) {
	return schema.Schema{Name: "static.proto", Text: s.text}, nil
}

func TestLoggerFallback(t *testing.T) {
	app := New()
	require.NotNil(t, app.Logger("unknown"))
	assert.Nil(t, app.Config())
}

// defaultLoggingApp 不注入 ctx logger，日志只能经由全局 logger 到达控制台。
func defaultLoggingApp(t *testing.T, extra string, in string, s *countingSender) (*Application, *bytes.Buffer) {
	t.Helper()
	t.Setenv("POSTMAN_CONFIG_FILE_PATH", "")
	t.Setenv("POSTMAN_LOG_ENABLE", "")
	t.Setenv("POSTMAN_LOG_CONSOLE", "")
	prevL, prevP := zlog.L(), zlog.Props()
	t.Cleanup(func() { zlog.ReplaceGlobals(prevL, prevP) })

	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "greeting.proto")
	require.NoError(t, os.WriteFile(schemaPath, []byte(greetingSchema), 0o644))
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "schema:\n  path: " + schemaPath + "\n  compiler: embedded\n" + extra
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))

	var logs bytes.Buffer
	app := New(
		WithArgs([]string{"--config", cfgPath}),
		WithSender(s),
		WithLogOutput(&logs),
		WithInput(strings.NewReader(in)),
	)
	return app, &logs
}

func TestDefaultLoggingReportsRejectedLines(t *testing.T) {
	s := &countingSender{}
	app, logs := defaultLoggingApp(t, "", "{\"text\": oops\n{\"text\":\"hi\"}\n", s)

	require.NoError(t, app.Run(context.Background()))
	require.Len(t, s.payloads, 1)

	out := logs.String()
	assert.Contains(t, out, "pipeline ready")
	assert.Contains(t, out, "message rejected")
	assert.Contains(t, out, "json does not match schema")
	assert.Contains(t, out, "message delivered")
}

func TestDefaultLoggingReportsStartupFailure(t *testing.T) {
	s := &countingSender{}
	app, logs := defaultLoggingApp(t, "  message: demo.Missing\n", "", s)

	err := app.Run(context.Background())
	require.ErrorIs(t, err, merr.ErrNoMessageTypeFound)
	assert.Contains(t, logs.String(), "startup failed")
	assert.Contains(t, logs.String(), "demo.Greeting")
}

func TestLoggingCanBeDisabled(t *testing.T) {
	s := &countingSender{}
	app, logs := defaultLoggingApp(t, "", "{\"text\": oops\n", s)
	t.Setenv("POSTMAN_LOG_ENABLE", "false")

	require.NoError(t, app.Run(context.Background()))
	assert.Empty(t, logs.String())
}
