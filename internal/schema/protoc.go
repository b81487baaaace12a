package schema

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/lk2023060901/proto-postman/pkg/log"
	"github.com/lk2023060901/proto-postman/pkg/metrics"
	"github.com/lk2023060901/proto-postman/pkg/util/merr"
)

const (
	defaultProtocPath  = "protoc"
	defaultGracePeriod = 3 * time.Second

	descriptorSetFile = "schema.pb"
)

// ProtocConfig 描述外部生成器的调用方式。
type ProtocConfig struct {
	Path         string        `mapstructure:"path"`
	MinVersion   string        `mapstructure:"min-version"`
	GracePeriod  time.Duration `mapstructure:"grace-period"`
	IncludePaths []string      `mapstructure:"-"`
}

// ProtocCompiler 通过外部 protoc 进程生成 FileDescriptorSet，再在进程内完成链接。
//
// 每次调用使用独立的临时目录，返回前（任何路径）都会删除该目录；
// 启动的子进程总会被等待回收。
type ProtocCompiler struct {
	cfg ProtocConfig
}

var _ Compiler = (*ProtocCompiler)(nil)

func NewProtocCompiler(cfg ProtocConfig) *ProtocCompiler {
	if cfg.Path == "" {
		cfg.Path = defaultProtocPath
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &ProtocCompiler{cfg: cfg}
}

func (c *ProtocCompiler) Name() string { return "protoc" }

func (c *ProtocCompiler) Compile(ctx context.Context, s Schema) (*CompiledModule, error) {
	start := time.Now()
	ctx, span := log.NewIntentContext(ctx, "schema", "compile")
	defer span.End()
	ctx = log.WithFields(ctx, zap.String("schema", s.Name), zap.String("compiler", c.Name()))
	logger := log.Ctx(ctx)

	if c.cfg.MinVersion != "" {
		if err := c.checkVersion(ctx); err != nil {
			return nil, err
		}
	}

	dir, err := os.MkdirTemp("", "postman-*")
	if err != nil {
		return nil, merr.WrapErrGeneratorUnavailable(err, c.cfg.Path, "create workspace")
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove generator workspace", zap.String("dir", dir), zap.Error(err))
		}
	}()

	fileName := uuid.NewString() + ".proto"
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(s.Text), 0o600); err != nil {
		return nil, merr.WrapErrGeneratorUnavailable(err, c.cfg.Path, "write schema")
	}
	outDir := filepath.Join(dir, "out")
	if err := os.Mkdir(outDir, 0o700); err != nil {
		return nil, merr.WrapErrGeneratorUnavailable(err, c.cfg.Path, "create output dir")
	}

	args := []string{"--proto_path=" + dir}
	for _, include := range c.cfg.IncludePaths {
		args = append(args, "--proto_path="+include)
	}
	args = append(args,
		"--include_imports",
		"--descriptor_set_out="+filepath.Join(outDir, descriptorSetFile),
		fileName,
	)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.cfg.Path, args...)
	cmd.Dir = dir
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = c.cfg.GracePeriod
	setProcessGroup(cmd)

	logger.Debug("run generator", zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		logger.Error("failed to start generator", zap.String("path", c.cfg.Path), zap.Error(err))
		return nil, merr.WrapErrGeneratorUnavailable(err, c.cfg.Path, "start")
	}
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		// 宽限期内没有退出的组内进程在这里强制结束
		_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)
		logger.Warn("generator interrupted", zap.Error(ctxErr), zap.Duration("elapsed", time.Since(start)))
		return nil, merr.WrapErrGeneratorUnavailable(ctxErr, c.cfg.Path, "interrupted")
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			logger.Error("generator rejected schema",
				zap.Int("exitCode", exitErr.ExitCode()),
				zap.String("stderr", stderr.String()))
			return nil, merr.WrapErrSchemaGenerationFailed(s.Name, stderr.String())
		}
		logger.Error("generator wait failed", zap.Error(waitErr))
		return nil, merr.WrapErrGeneratorUnavailable(waitErr, c.cfg.Path, "wait")
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, merr.WrapErrSchemaGenerationFailed(s.Name, err.Error())
	}
	if len(entries) != 1 {
		logger.Error("unexpected generator output", zap.Int("outputs", len(entries)), zap.String("stderr", stderr.String()))
		return nil, merr.WrapErrSchemaGenerationFailed(s.Name,
			fmt.Sprintf("expected exactly one generated output, found %d", len(entries)))
	}
	data, err := os.ReadFile(filepath.Join(outDir, entries[0].Name()))
	if err != nil {
		return nil, merr.WrapErrSchemaGenerationFailed(s.Name, err.Error())
	}

	module, err := linkDescriptorSet(ctx, s.Name, fileName, data)
	if err != nil {
		return nil, err
	}
	metrics.SchemaCompileDuration.WithLabelValues(c.Name()).Observe(float64(time.Since(start).Milliseconds()))
	return module, nil
}

// checkVersion 比较 `protoc --version` 输出与配置的最低版本。
func (c *ProtocCompiler) checkVersion(ctx context.Context) error {
	want, err := semver.ParseTolerant(c.cfg.MinVersion)
	if err != nil {
		return merr.WrapErrParameterInvalidMsg("invalid schema.protoc.min-version %q: %s", c.cfg.MinVersion, err.Error())
	}

	out, err := exec.CommandContext(ctx, c.cfg.Path, "--version").Output()
	if err != nil {
		log.Ctx(ctx).Error("failed to query generator version", zap.Error(err))
		return merr.WrapErrGeneratorUnavailable(err, c.cfg.Path, "query version")
	}

	// 输出形如 "libprotoc 3.21.12"
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return merr.WrapErrGeneratorUnavailable(nil, c.cfg.Path, "empty version output")
	}
	got, err := semver.ParseTolerant(fields[len(fields)-1])
	if err != nil {
		return merr.WrapErrGeneratorUnavailable(err, c.cfg.Path, "unparseable version "+strings.TrimSpace(string(out)))
	}
	if got.LT(want) {
		log.Ctx(ctx).Error("generator too old", zap.String("version", got.String()), zap.String("required", want.String()))
		return merr.WrapErrGeneratorUnavailable(nil, c.cfg.Path,
			fmt.Sprintf("version %s is lower than required %s", got, want))
	}
	return nil
}

// terminate 向生成器所在进程组和它的全部后代发送 SIGTERM；
// WaitDelay 到期后仍未退出的进程由 exec 与 Compile 强制 kill。
func terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	// 父进程退出后后代会被 init 收养，必须在发信号前记下整棵进程树
	tree := descendants(int32(p.Pid))
	_ = signalGroup(p.Pid, syscall.SIGTERM)
	for _, d := range tree {
		_ = d.Terminate()
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return p.Kill()
	}
	return nil
}

// descendants 深度优先列出 pid 的所有后代进程，包括已脱离进程组的。
func descendants(pid int32) []*process.Process {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	children, err := proc.Children()
	if err != nil {
		return nil
	}
	all := make([]*process.Process, 0, len(children))
	for _, child := range children {
		all = append(all, child)
		all = append(all, descendants(child.Pid)...)
	}
	return all
}
