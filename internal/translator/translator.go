package translator

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/lk2023060901/proto-postman/internal/schema"
	"github.com/lk2023060901/proto-postman/internal/sender"
	"github.com/lk2023060901/proto-postman/internal/serializer"
	"github.com/lk2023060901/proto-postman/pkg/log"
	"github.com/lk2023060901/proto-postman/pkg/metrics"
	"github.com/lk2023060901/proto-postman/pkg/util/merr"
)

const tracerName = "translator"

// Translator 把 JSON 文本翻译为绑定消息类型的 wire 编码，并交给 Sender。
//
// Bind 之后不再修改任何状态，因此只要 Sender 并发安全，Send 就可以被并发调用。
// 每次 Send 产出的字节要么完整交给 Sender，要么返回错误，二者不会同时发生。
type Translator struct {
	desc     *schema.MessageDescriptor
	msgType  protoreflect.MessageType
	sender   sender.Sender
	keyed    sender.KeyedSender
	keyField protoreflect.FieldDescriptor
	logger   *log.MLogger

	jsonCodec  serializer.ProtoJSONSerializer
	protoCodec serializer.ProtoSerializer
}

// Bind 校验描述符是否可用于构造消息，并返回绑定到 s 的 Translator。
func Bind(desc *schema.MessageDescriptor, s sender.Sender, opts ...Option) (*Translator, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	md := desc.Descriptor()
	switch {
	case md == nil:
		return nil, merr.WrapErrUnsupportedMessageType("", "descriptor is nil")
	case md.IsMapEntry():
		return nil, merr.WrapErrUnsupportedMessageType(desc.FullName(), "synthetic map entry")
	case md.IsPlaceholder():
		return nil, merr.WrapErrUnsupportedMessageType(desc.FullName(), "unresolved placeholder")
	}
	msgType := desc.MessageType()
	if msgType == nil {
		return nil, merr.WrapErrUnsupportedMessageType(desc.FullName(), "no constructible message type")
	}
	if s == nil {
		return nil, merr.WrapErrParameterMissing("sender")
	}

	resolver := desc.Resolver()
	t := &Translator{
		desc:       desc,
		msgType:    msgType,
		sender:     s,
		logger:     o.logger,
		jsonCodec:  serializer.ProtoJSONSerializer{DiscardUnknown: o.discardUnknown, Resolver: resolver},
		protoCodec: serializer.ProtoSerializer{Resolver: resolver},
	}

	if o.keyField != "" {
		fd := md.Fields().ByName(protoreflect.Name(o.keyField))
		if fd == nil {
			fd = md.Fields().ByJSONName(o.keyField)
		}
		if fd == nil {
			return nil, merr.WrapErrUnsupportedMessageType(desc.FullName(), "key field "+o.keyField+" not found")
		}
		if fd.IsList() || fd.IsMap() || fd.Kind() == protoreflect.MessageKind || fd.Kind() == protoreflect.GroupKind {
			return nil, merr.WrapErrUnsupportedMessageType(desc.FullName(), "key field "+o.keyField+" is not a singular scalar")
		}
		t.keyField = fd
		if keyed, ok := s.(sender.KeyedSender); ok {
			t.keyed = keyed
		}
	}
	return t, nil
}

// MessageName 返回绑定消息的全名。
func (t *Translator) MessageName() string {
	return t.desc.FullName()
}

// Send 翻译一条 JSON 文本并调用一次 Sender。
//
// JSON 与 schema 不匹配时返回 ErrInvalidJSONForSchema 且不调用 Sender；
// Sender 失败时返回包装了原因的 ErrDeliveryFailed，不做重试。
func (t *Translator) Send(ctx context.Context, jsonText string) error {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Send",
		trace.WithAttributes(attribute.String("messageType", t.MessageName())))
	defer span.End()

	base := log.Ctx(ctx)
	if t.logger != nil {
		// 模块 logger 自带 module 字段，只继承调用方附加的其余字段，例如 line
		inherited := lo.Reject(log.FieldsFromCtx(ctx), func(f zap.Field, _ int) bool {
			return f.Key == log.FieldNameModule
		})
		base = t.logger.With(inherited...)
	}
	reqID := uuid.NewString()
	logger := base.With(zap.String("reqID", reqID), log.FieldMessageType(t.MessageName()))
	ctx = log.WithLogger(ctx, logger)
	logger.Info("translate message", zap.Int("jsonBytes", len(jsonText)))

	fail := func(label string, err error) error {
		metrics.TranslatedMessages.WithLabelValues(label).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	msg := t.msgType.New().Interface()
	if err := t.jsonCodec.Unmarshal([]byte(jsonText), msg); err != nil {
		logger.Error("json does not match schema", zap.Error(err))
		return fail(metrics.InvalidInputLabel, merr.WrapErrInvalidJSONForSchema(t.MessageName(), err))
	}
	payload, err := t.protoCodec.Marshal(msg)
	if err != nil {
		logger.Error("failed to encode message", zap.Error(err))
		return fail(metrics.InvalidInputLabel, merr.WrapErrInvalidJSONForSchema(t.MessageName(), err))
	}

	if err := ctx.Err(); err != nil {
		logger.Warn("translation canceled before delivery", zap.Error(err))
		return fail(metrics.CanceledLabel, err)
	}

	sendStart := time.Now()
	if t.keyed != nil {
		err = t.keyed.SendKeyed(ctx, t.keyOf(msg), payload)
	} else {
		err = t.sender.Send(ctx, payload)
	}
	metrics.SendLatency.Observe(float64(time.Since(sendStart).Milliseconds()))
	if err != nil {
		logger.Error("failed to deliver message", zap.Int("bytes", len(payload)), zap.Error(err))
		return fail(metrics.DeliveryFailedLabel, merr.WrapErrDeliveryFailed(err))
	}

	metrics.TranslatedMessages.WithLabelValues(metrics.SuccessLabel).Inc()
	metrics.TranslatedBytes.Add(float64(len(payload)))
	logger.Info("message delivered", zap.Int("bytes", len(payload)), zap.Duration("duration", time.Since(start)))
	return nil
}

// Decode 将 wire 编码解码为规范 JSON 文本。
func (t *Translator) Decode(payload []byte) (string, error) {
	msg := t.msgType.New().Interface()
	if err := t.protoCodec.Unmarshal(payload, msg); err != nil {
		return "", errors.Wrapf(err, "decode %s", t.MessageName())
	}
	out, err := t.jsonCodec.Marshal(msg)
	if err != nil {
		return "", errors.Wrapf(err, "encode %s as json", t.MessageName())
	}
	return string(out), nil
}

func (t *Translator) keyOf(msg protoreflect.ProtoMessage) []byte {
	v := msg.ProtoReflect().Get(t.keyField)
	switch t.keyField.Kind() {
	case protoreflect.BytesKind:
		return v.Bytes()
	case protoreflect.StringKind:
		return []byte(v.String())
	case protoreflect.EnumKind:
		if ev := t.keyField.Enum().Values().ByNumber(v.Enum()); ev != nil {
			return []byte(ev.Name())
		}
		return []byte(fmt.Sprint(int32(v.Enum())))
	default:
		return []byte(fmt.Sprint(v.Interface()))
	}
}
