package serializer

// Serializer 抽象了“对象 <-> 字节流”的序列化能力。
//
// 翻译链路中 JSON 文本先经 ProtoJSONSerializer 解码为动态消息，
// 再由 ProtoSerializer 编码为 wire 格式；JSONSerializer 用于输出记录等普通结构体。
type Serializer interface {
	// Marshal 将任意对象编码为字节序列。
	Marshal(v any) ([]byte, error)

	// Unmarshal 将字节序列解码到目标对象。
	//
	// v 通常为指针类型，用于接收解码结果。
	Unmarshal(data []byte, v any) error
}
