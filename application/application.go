package application

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/proto-postman/internal/postman"
	"github.com/lk2023060901/proto-postman/internal/schema"
	"github.com/lk2023060901/proto-postman/internal/sender"
	"github.com/lk2023060901/proto-postman/internal/translator"
	zlog "github.com/lk2023060901/proto-postman/pkg/log"
	"github.com/lk2023060901/proto-postman/pkg/metrics"
	"github.com/lk2023060901/proto-postman/pkg/util/merr"
	zviper "github.com/lk2023060901/proto-postman/pkg/util/viper"
)

const defaultConfigPath = "./config.yaml"

// Application is the main runtime container for the postman process.
// It owns configuration, loggers and the translation pipeline.
type Application struct {
	args      []string
	stdin     io.Reader
	stdout    io.Writer
	logOutput io.Writer

	cfg     *zviper.Config
	conf    Config
	loggers map[string]*zlog.MLogger

	// injected collaborators; nil means "build from config"
	source   schema.Source
	compiler schema.Compiler
	sender   sender.Sender

	postman *postman.Postman
}

// Option customizes an Application, mainly for embedding and tests.
type Option func(*Application)

// WithArgs replaces os.Args[1:] as the source of command-line flags.
func WithArgs(args []string) Option {
	return func(a *Application) {
		a.args = args
	}
}

// WithInput replaces stdin as the source of JSON lines.
func WithInput(r io.Reader) Option {
	return func(a *Application) {
		a.stdin = r
	}
}

// WithOutput replaces stdout as the target of the stdout sender.
func WithOutput(w io.Writer) Option {
	return func(a *Application) {
		a.stdout = w
	}
}

// WithLogOutput replaces the process stdout/stderr as the console target of the loggers.
func WithLogOutput(w io.Writer) Option {
	return func(a *Application) {
		a.logOutput = w
	}
}

func WithSchemaSource(s schema.Source) Option {
	return func(a *Application) {
		a.source = s
	}
}

func WithCompiler(c schema.Compiler) Option {
	return func(a *Application) {
		a.compiler = c
	}
}

func WithSender(s sender.Sender) Option {
	return func(a *Application) {
		a.sender = s
	}
}

// New creates a new Application instance.
func New(opts ...Option) *Application {
	a := &Application{
		args:   os.Args[1:],
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run is the entry of the postman application.
// It loads configuration using the following priority:
//  1. Default: ./config.yaml (optional)
//  2. Env: POSTMAN_CONFIG_FILE_PATH
//  3. CLI: --config <path> or --config=<path>
//
// It then compiles the schema, binds the translator and runs the loop until
// input EOF or ctx cancellation. Startup errors are returned as-is so the
// caller can decide on the exit status with merr.IsFatal.
func (a *Application) Run(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := cfg.Unmarshal(&a.conf); err != nil {
		return merr.WrapErrParameterInvalidMsg("decode config: %s", err.Error())
	}

	if err := a.initLogging(); err != nil {
		return err
	}
	metrics.Register(prometheus.DefaultRegisterer)

	ctx = zlog.WithModule(ctx, "application")
	logger := zlog.Ctx(ctx)

	closeSender, err := a.build(ctx)
	if err != nil {
		logger.Error("startup failed", zap.Bool("fatal", merr.IsFatal(err)), zap.Error(err))
		return err
	}
	defer func() {
		if err := closeSender(); err != nil {
			logger.Warn("failed to close sender", zap.Error(err))
		}
	}()

	return a.serve(ctx)
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *zviper.Config {
	return a.cfg
}

// Postman returns the pipeline built by Run.
func (a *Application) Postman() *postman.Postman {
	return a.postman
}

// Logger returns a named logger created from configuration.
// If the name is unknown, it falls back to the global logger.
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

// build wires source -> compiler -> resolver -> translator -> loop.
// The returned func closes the sender when it owns a connection or file.
func (a *Application) build(ctx context.Context) (func() error, error) {
	logger := zlog.Ctx(ctx)
	conf := a.conf

	source, closeSource, err := a.schemaSource()
	if err != nil {
		return nil, err
	}
	text, err := source.Load(ctx)
	closeSource()
	if err != nil {
		return nil, err
	}

	compiler, err := a.schemaCompiler()
	if err != nil {
		return nil, err
	}
	module, err := compiler.Compile(ctx, text)
	if err != nil {
		return nil, err
	}

	desc, err := schema.Resolver{MessageName: conf.Schema.Message}.Resolve(module)
	if err != nil {
		logger.Error("no usable message type", zap.Error(err))
		return nil, err
	}

	s := a.sender
	if s == nil {
		s, err = sender.New(conf.Sender, conf.Kafka, a.stdout)
		if err != nil {
			return nil, err
		}
	}
	closeSender := func() error {
		if c, ok := s.(io.Closer); ok {
			return c.Close()
		}
		return nil
	}

	opts := []translator.Option{
		translator.WithDiscardUnknown(conf.Translator.DiscardUnknown),
		translator.WithKeyField(conf.Translator.KeyField),
	}
	if lg, ok := a.loggers["translator"]; ok {
		opts = append(opts, translator.WithLogger(lg))
	}
	tr, err := translator.Bind(desc, s, opts...)
	if err != nil {
		_ = closeSender()
		return nil, err
	}

	a.postman = postman.New(tr, a.stdin, conf.Input.MaxLineBytes)
	logger.Info("pipeline ready",
		zap.String("schema", text.Name),
		zap.String("compiler", compiler.Name()),
		zap.String("messageType", tr.MessageName()),
		zap.String("sender", conf.Sender.Type))
	return closeSender, nil
}

// serve runs the loop and, when configured, the metrics endpoint under one errgroup.
// The metrics server stops as soon as the loop returns.
func (a *Application) serve(ctx context.Context) error {
	logger := zlog.Ctx(ctx)
	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(loopCtx)

	if listen := a.conf.Metrics.Listen; listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics server listening", zap.String("addr", listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stop()
		return a.postman.Run(gctx)
	})

	err := g.Wait()
	stats := a.postman.Stats().Snapshot()
	if err != nil && merr.IsCanceledOrTimeout(err) && ctx.Err() != nil {
		logger.Info("postman stopped by signal", zap.Any("stats", stats))
		return nil
	}
	if err != nil {
		logger.Error("postman stopped", zap.Any("stats", stats), zap.Error(err))
		return err
	}
	logger.Info("postman finished", zap.Any("stats", stats))
	return nil
}

func (a *Application) schemaSource() (schema.Source, func(), error) {
	noop := func() {}
	if a.source != nil {
		return a.source, noop, nil
	}
	conf := a.conf.Schema
	switch conf.Source {
	case "", SourceFile:
		return &schema.FileSource{Path: conf.Path}, noop, nil
	case SourceEtcd:
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   conf.Etcd.Endpoints,
			DialTimeout: conf.Etcd.DialTimeout,
			Logger:      zlog.L().With(zlog.FieldComponent("etcd")),
		})
		if err != nil {
			return nil, nil, merr.WrapErrSchemaSourceUnavailable(err, "etcd:"+strings.Join(conf.Etcd.Endpoints, ","))
		}
		src := &schema.EtcdSource{KV: cli, Key: conf.Etcd.Key, Timeout: conf.Etcd.DialTimeout}
		return src, func() { _ = cli.Close() }, nil
	default:
		return nil, nil, merr.WrapErrParameterInvalid("file|etcd", conf.Source, "schema.source")
	}
}

func (a *Application) schemaCompiler() (schema.Compiler, error) {
	if a.compiler != nil {
		return a.compiler, nil
	}
	conf := a.conf.Schema
	switch conf.Compiler {
	case "", CompilerProtoc:
		pc := conf.Protoc
		pc.IncludePaths = conf.IncludePaths
		return schema.NewProtocCompiler(pc), nil
	case CompilerEmbedded:
		return schema.NewEmbeddedCompiler(conf.IncludePaths...), nil
	default:
		return nil, merr.WrapErrParameterInvalid("protoc|embedded", conf.Compiler, "schema.compiler")
	}
}

// loadConfig resolves config file path and loads it via viper wrapper.
// A missing default file is tolerated; an explicitly named one is not.
func (a *Application) loadConfig() (*zviper.Config, error) {
	configPath := defaultConfigPath
	explicit := false

	if envPath := os.Getenv("POSTMAN_CONFIG_FILE_PATH"); envPath != "" {
		configPath = envPath
		explicit = true
	}

	args := a.args
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return nil, merr.WrapErrParameterMissing("--config", "missing value after --config")
			}
			configPath = args[i+1]
			explicit = true
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			val := strings.TrimPrefix(arg, "--config=")
			if val != "" {
				configPath = val
				explicit = true
			}
			continue
		}
	}

	cfg := zviper.New(envPrefix)
	setDefaults(cfg)
	if _, err := os.Stat(configPath); err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err := cfg.LoadFile(configPath); err != nil {
		return nil, merr.WrapErrParameterInvalidMsg("failed to load config file %q: %s", configPath, err.Error())
	}

	return cfg, nil
}

// initLogging initializes global and module-level loggers.
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	if err := a.initModuleLoggersFromConfig(); err != nil {
		return err
	}
	return nil
}

// initGlobalLoggerFromEnv configures the process-wide logger based on POSTMAN_LOG_* env vars.
//
// Console logging is on by default so rejected lines and startup diagnostics are visible:
//   - POSTMAN_LOG_ENABLE: "0"/"false" discards all log output (default true).
//   - POSTMAN_LOG_LEVEL: log level (default "info").
//   - POSTMAN_LOG_CONSOLE: whether to log to the console (default true).
//   - POSTMAN_LOG_FILE_DIR: log directory.
//   - POSTMAN_LOG_FILE: log file name (empty means no file).
//   - POSTMAN_LOG_FORMAT: log format ("text" or "json", default "text").
//
// Console logs go to stderr when the stdout sender owns stdout.
func (a *Application) initGlobalLoggerFromEnv() error {
	enabled := getenvBool("POSTMAN_LOG_ENABLE", true)
	console := getenvBool("POSTMAN_LOG_CONSOLE", true)
	dataOnStdout := a.conf.Sender.Type == sender.TypeStdout

	cfg := &zlog.Config{
		Level:             getenvDefault("POSTMAN_LOG_LEVEL", "info"),
		Format:            getenvDefault("POSTMAN_LOG_FORMAT", "text"),
		DisableTimestamp:  false,
		Stdout:            console && !dataOnStdout,
		Stderr:            console && dataOnStdout,
		Console:           a.logOutput,
		DisableCaller:     false,
		DisableStacktrace: false,
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("POSTMAN_LOG_FILE_DIR", ""),
			Filename: getenvDefault("POSTMAN_LOG_FILE", ""),
		},
	}

	// When not enabled, direct all outputs to a discarded sink.
	if !enabled {
		cfg.Stdout = false
		cfg.Stderr = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("init global logger from env: %w", err)
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig creates named loggers from YAML config under "logging" key.
//
// Example:
//
//	logging:
//	  translator:
//	    level: debug
//	    stderr: true
//	    file:
//	      rootpath: ./logs
//	      filename: translator.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil {
		return nil
	}

	raw := make(map[string]zlog.Config)
	if err := a.cfg.UnmarshalKey("logging", &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		if a.conf.Sender.Type == sender.TypeStdout && cfgCopy.Stdout {
			cfgCopy.Stdout, cfgCopy.Stderr = false, true
		}
		cfgCopy.Console = a.logOutput
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return fmt.Errorf("init module logger %q: %w", name, err)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger.With(zlog.FieldModule(name))}
	}

	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
