package schema

import (
	"strings"

	"github.com/samber/lo"

	"github.com/lk2023060901/proto-postman/pkg/util/merr"
)

// Resolver 从编译结果中挑选要绑定的消息类型。
type Resolver struct {
	// MessageName 为空时取第一个导出消息；
	// 否则按全名精确匹配，或在无歧义时按短名匹配。
	MessageName string
}

func (r Resolver) Resolve(module *CompiledModule) (*MessageDescriptor, error) {
	if module == nil || len(module.Messages) == 0 {
		name := ""
		if module != nil {
			name = module.SchemaName
		}
		return nil, merr.WrapErrNoMessageTypeFound(name, r.MessageName, nil)
	}

	wanted := strings.TrimPrefix(strings.TrimSpace(r.MessageName), ".")
	if wanted == "" {
		return module.Messages[0], nil
	}

	if d, ok := lo.Find(module.Messages, func(d *MessageDescriptor) bool { return d.FullName() == wanted }); ok {
		return d, nil
	}
	if !strings.Contains(wanted, ".") {
		matches := lo.Filter(module.Messages, func(d *MessageDescriptor, _ int) bool { return d.Name() == wanted })
		if len(matches) == 1 {
			return matches[0], nil
		}
	}
	return nil, merr.WrapErrNoMessageTypeFound(module.SchemaName, r.MessageName, module.MessageNames())
}
