package serializer

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoregistry"
)

// ProtoJSONSerializer 按 proto3 JSON 映射规则在 JSON 文本与 proto.Message 之间转换。
type ProtoJSONSerializer struct {
	// DiscardUnknown 为 true 时忽略 schema 中不存在的 JSON 字段，否则报错。
	DiscardUnknown bool

	// Resolver 用于解析 google.protobuf.Any 中的类型。
	Resolver interface {
		protoregistry.MessageTypeResolver
		protoregistry.ExtensionTypeResolver
	}
}

// 编译期断言：确保 ProtoJSONSerializer 实现了 Serializer 接口。
var _ Serializer = (*ProtoJSONSerializer)(nil)

func (s ProtoJSONSerializer) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("serializer: ProtoJSONSerializer requires proto.Message, got %T", v)
	}
	return protojson.MarshalOptions{Resolver: s.Resolver}.Marshal(msg)
}

func (s ProtoJSONSerializer) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("serializer: ProtoJSONSerializer requires proto.Message, got %T", v)
	}
	return protojson.UnmarshalOptions{
		DiscardUnknown: s.DiscardUnknown,
		Resolver:       s.Resolver,
	}.Unmarshal(data, msg)
}
