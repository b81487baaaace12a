package schema

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	// 基线运行时引用：标准类型随二进制一起链接进 GlobalFiles。
	_ "google.golang.org/protobuf/types/known/anypb"
	_ "google.golang.org/protobuf/types/known/apipb"
	_ "google.golang.org/protobuf/types/known/durationpb"
	_ "google.golang.org/protobuf/types/known/emptypb"
	_ "google.golang.org/protobuf/types/known/fieldmaskpb"
	_ "google.golang.org/protobuf/types/known/sourcecontextpb"
	_ "google.golang.org/protobuf/types/known/structpb"
	_ "google.golang.org/protobuf/types/known/timestamppb"
	_ "google.golang.org/protobuf/types/known/typepb"
	_ "google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lk2023060901/proto-postman/pkg/log"
	"github.com/lk2023060901/proto-postman/pkg/util/merr"
)

// Compiler 将 schema 文本编译为可在运行期使用的类型描述。
//
// 每个进程只应在启动时调用一次；并发调用在结构上可行（各自独立的临时目录），
// 但不是受支持的使用方式。
type Compiler interface {
	// Name 返回编译器名称，用于日志与指标标签。
	Name() string

	Compile(ctx context.Context, s Schema) (*CompiledModule, error)
}

// CompiledModule 持有一次编译的全部结果，生命周期与进程相同。
type CompiledModule struct {
	// SchemaName 为来源 schema 的名称。
	SchemaName string
	// Files 为本次链接得到的描述符注册表，包含主文件及其全部依赖。
	Files *protoregistry.Files
	// File 为主文件描述符。
	File protoreflect.FileDescriptor
	// Types 基于 Files 构建，用于解析 Any 等按名称引用的类型。
	Types *dynamicpb.Types
	// Messages 为主文件导出的消息描述，按声明顺序深度优先排列。
	Messages []*MessageDescriptor
}

// MessageNames 返回全部可选消息的全名。
func (m *CompiledModule) MessageNames() []string {
	return lo.Map(m.Messages, func(d *MessageDescriptor, _ int) string { return d.FullName() })
}

// MessageDescriptor 描述一个可被翻译器绑定的消息类型。
type MessageDescriptor struct {
	desc  protoreflect.MessageDescriptor
	types *dynamicpb.Types
}

// NewMessageDescriptor 直接包装一个 protoreflect 描述符。
// types 为空时使用仅包含该描述符所在文件的解析器。
func NewMessageDescriptor(desc protoreflect.MessageDescriptor, types *dynamicpb.Types) *MessageDescriptor {
	return &MessageDescriptor{desc: desc, types: types}
}

func (d *MessageDescriptor) FullName() string {
	if d == nil || d.desc == nil {
		return ""
	}
	return string(d.desc.FullName())
}

func (d *MessageDescriptor) Name() string {
	if d == nil || d.desc == nil {
		return ""
	}
	return string(d.desc.Name())
}

// Descriptor 返回字段、编号与编码规则等完整描述。
func (d *MessageDescriptor) Descriptor() protoreflect.MessageDescriptor {
	if d == nil {
		return nil
	}
	return d.desc
}

// MessageType 返回基于描述符构造的动态消息类型。
func (d *MessageDescriptor) MessageType() protoreflect.MessageType {
	if d == nil || d.desc == nil {
		return nil
	}
	return dynamicpb.NewMessageType(d.desc)
}

// Resolver 返回用于 JSON 与二进制编解码的类型解析器。
func (d *MessageDescriptor) Resolver() *dynamicpb.Types {
	if d.types != nil {
		return d.types
	}
	files := new(protoregistry.Files)
	if d.desc != nil {
		_ = files.RegisterFile(d.desc.ParentFile())
	}
	return dynamicpb.NewTypes(files)
}

// layeredResolver 先在本次链接的文件中查找，找不到时回退到基线注册表。
type layeredResolver struct {
	local *protoregistry.Files
	base  *protoregistry.Files
}

func (r *layeredResolver) FindFileByPath(path string) (protoreflect.FileDescriptor, error) {
	fd, err := r.local.FindFileByPath(path)
	if errors.Is(err, protoregistry.NotFound) {
		return r.base.FindFileByPath(path)
	}
	return fd, err
}

func (r *layeredResolver) FindDescriptorByName(name protoreflect.FullName) (protoreflect.Descriptor, error) {
	d, err := r.local.FindDescriptorByName(name)
	if errors.Is(err, protoregistry.NotFound) {
		return r.base.FindDescriptorByName(name)
	}
	return d, err
}

// linkDescriptorSet 解析生成器输出的 FileDescriptorSet 并链接为 CompiledModule。
func linkDescriptorSet(ctx context.Context, schemaName string, primary string, data []byte) (*CompiledModule, error) {
	set := &descriptorpb.FileDescriptorSet{}
	if err := proto.Unmarshal(data, set); err != nil {
		log.Ctx(ctx).Error("generator output is not a descriptor set",
			zap.String("schema", schemaName), zap.Error(err))
		return nil, merr.WrapErrSourceCompilationFailed(schemaName, err.Error(), "decode descriptor set")
	}
	return link(ctx, schemaName, primary, set)
}

// link 按依赖顺序逐个构建文件描述符。
// 基线中已存在的文件直接复用，保证标准类型与进程内已链接的类型一致。
func link(ctx context.Context, schemaName string, primary string, set *descriptorpb.FileDescriptorSet) (*CompiledModule, error) {
	logger := log.Ctx(ctx).With(zap.String("schema", schemaName))
	fail := func(diag string) error {
		logger.Error("failed to link schema", zap.String("diagnostics", diag))
		return merr.WrapErrSourceCompilationFailed(schemaName, diag)
	}

	if len(set.GetFile()) == 0 {
		return nil, fail("generator produced an empty descriptor set")
	}

	files := new(protoregistry.Files)
	resolver := &layeredResolver{local: files, base: protoregistry.GlobalFiles}

	for _, fdp := range set.GetFile() {
		if _, err := files.FindFileByPath(fdp.GetName()); err == nil {
			continue
		}
		if base, err := protoregistry.GlobalFiles.FindFileByPath(fdp.GetName()); err == nil {
			if err := files.RegisterFile(base); err != nil {
				return nil, fail(err.Error())
			}
			continue
		}
		fd, err := protodesc.NewFile(fdp, resolver)
		if err != nil {
			return nil, fail(err.Error())
		}
		if err := files.RegisterFile(fd); err != nil {
			return nil, fail(err.Error())
		}
	}

	if primary == "" {
		primary = set.GetFile()[len(set.GetFile())-1].GetName()
	}
	file, err := files.FindFileByPath(primary)
	if err != nil {
		return nil, fail("primary file " + primary + " missing from generator output")
	}

	types := dynamicpb.NewTypes(files)
	module := &CompiledModule{
		SchemaName: schemaName,
		Files:      files,
		File:       file,
		Types:      types,
	}
	collectMessages(file.Messages(), types, &module.Messages)

	logger.Info("schema linked",
		zap.String("package", string(file.Package())),
		zap.Int("files", files.NumFiles()),
		zap.Strings("messages", module.MessageNames()))
	return module, nil
}

// collectMessages 按声明顺序深度优先收集消息，跳过 map 字段生成的 entry 消息。
func collectMessages(msgs protoreflect.MessageDescriptors, types *dynamicpb.Types, out *[]*MessageDescriptor) {
	for i := 0; i < msgs.Len(); i++ {
		md := msgs.Get(i)
		if md.IsMapEntry() {
			continue
		}
		*out = append(*out, &MessageDescriptor{desc: md, types: types})
		collectMessages(md.Messages(), types, out)
	}
}

// fileSetOf 收集 fd 及其全部传递依赖，按依赖在前的顺序排列。
func fileSetOf(fd protoreflect.FileDescriptor) *descriptorpb.FileDescriptorSet {
	set := &descriptorpb.FileDescriptorSet{}
	seen := make(map[string]struct{})
	var visit func(f protoreflect.FileDescriptor)
	visit = func(f protoreflect.FileDescriptor) {
		if _, ok := seen[f.Path()]; ok {
			return
		}
		seen[f.Path()] = struct{}{}
		imports := f.Imports()
		for i := 0; i < imports.Len(); i++ {
			visit(imports.Get(i).FileDescriptor)
		}
		set.File = append(set.File, protodesc.ToFileDescriptorProto(f))
	}
	visit(fd)
	return set
}

func joinDiagnostics(diags []string) string {
	return strings.Join(diags, "\n")
}
