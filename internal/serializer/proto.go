package serializer

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoregistry"
)

// ProtoSerializer 使用 Protobuf 进行二进制序列化。
//
// 编码固定开启 Deterministic，同一消息值总是得到相同字节（map 按 key 排序）。
// 注意：传入/传出的对象必须实现 proto.Message。
type ProtoSerializer struct {
	// Resolver 用于解码时解析 Any 与扩展字段，为空时使用全局注册表。
	Resolver interface {
		protoregistry.MessageTypeResolver
		protoregistry.ExtensionTypeResolver
	}
}

// 编译期断言：确保 ProtoSerializer 实现了 Serializer 接口。
var _ Serializer = (*ProtoSerializer)(nil)

func (ProtoSerializer) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("serializer: ProtoSerializer requires proto.Message, got %T", v)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

func (s ProtoSerializer) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("serializer: ProtoSerializer requires proto.Message, got %T", v)
	}
	return proto.UnmarshalOptions{Resolver: s.Resolver}.Unmarshal(data, msg)
}
