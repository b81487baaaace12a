package schema

import (
	"context"
	"time"

	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/reporter"
	"go.uber.org/zap"

	"github.com/lk2023060901/proto-postman/pkg/log"
	"github.com/lk2023060901/proto-postman/pkg/metrics"
	"github.com/lk2023060901/proto-postman/pkg/util/merr"
)

// EmbeddedCompiler 在进程内编译 schema，不依赖外部生成器。
// 适用于无法安装 protoc 的环境与测试。
type EmbeddedCompiler struct {
	// IncludePaths 为 import 语句的额外搜索目录，标准 google/protobuf/*.proto 始终可用。
	IncludePaths []string
}

var _ Compiler = (*EmbeddedCompiler)(nil)

func NewEmbeddedCompiler(includePaths ...string) *EmbeddedCompiler {
	return &EmbeddedCompiler{IncludePaths: includePaths}
}

func (c *EmbeddedCompiler) Name() string { return "embedded" }

func (c *EmbeddedCompiler) Compile(ctx context.Context, s Schema) (*CompiledModule, error) {
	start := time.Now()
	ctx, span := log.NewIntentContext(ctx, "schema", "compile")
	defer span.End()
	ctx = log.WithFields(ctx, zap.String("schema", s.Name), zap.String("compiler", c.Name()))
	logger := log.Ctx(ctx)

	fileName := s.Name
	if fileName == "" {
		fileName = "schema.proto"
	}

	var diags []string
	rep := reporter.NewReporter(
		func(err reporter.ErrorWithPos) error {
			diags = append(diags, err.Error())
			return nil
		},
		func(err reporter.ErrorWithPos) {
			logger.Warn("schema warning", zap.String("diagnostic", err.Error()))
		},
	)

	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(protocompile.CompositeResolver{
			&protocompile.SourceResolver{
				Accessor: protocompile.SourceAccessorFromMap(map[string]string{fileName: s.Text}),
			},
			&protocompile.SourceResolver{ImportPaths: c.IncludePaths},
		}),
		Reporter:       rep,
		SourceInfoMode: protocompile.SourceInfoStandard,
	}

	files, err := compiler.Compile(ctx, fileName)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, merr.WrapErrGeneratorUnavailable(ctxErr, c.Name(), "interrupted")
		}
		if len(diags) == 0 {
			diags = append(diags, err.Error())
		}
		diag := joinDiagnostics(diags)
		logger.Error("failed to compile schema", zap.String("diagnostics", diag))
		return nil, merr.WrapErrSourceCompilationFailed(s.Name, diag)
	}

	module, err := link(ctx, s.Name, fileName, fileSetOf(files[0]))
	if err != nil {
		return nil, err
	}
	metrics.SchemaCompileDuration.WithLabelValues(c.Name()).Observe(float64(time.Since(start).Milliseconds()))
	return module, nil
}
