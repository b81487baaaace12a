// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case postmanError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

func IsRetryableErr(err error) bool {
	var perr postmanError
	if errors.As(err, &perr) {
		return perr.retriable
	}
	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsFatal 判断错误是否属于启动阶段错误。
// 启动阶段没有兜底 schema，命中后进程应以非零状态退出；
// 单条消息错误（InvalidJSONForSchema、DeliveryFailed）返回 false。
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	_, ok := fatalCodes[Code(err)]
	return ok
}

func GetErrorType(err error) ErrorType {
	var perr postmanError
	if errors.As(err, &perr) {
		return perr.errType
	}
	return SystemError
}

// Schema 相关错误封装。
func WrapErrSchemaSourceUnavailable(cause error, location string, msg ...string) error {
	err := wrapFields(ErrSchemaSourceUnavailable, value("location", location))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return Combine(cause, err)
}

func WrapErrGeneratorUnavailable(cause error, generator string, msg ...string) error {
	err := wrapFields(ErrGeneratorUnavailable, value("generator", generator))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return Combine(cause, err)
}

func WrapErrSchemaGenerationFailed(schema string, stderr string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrSchemaGenerationFailed, strings.TrimSpace(stderr), value("schema", schema))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSourceCompilationFailed(schema string, diagnostics string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrSourceCompilationFailed, strings.TrimSpace(diagnostics), value("schema", schema))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrNoMessageTypeFound(schema string, wanted string, available []string) error {
	fields := []errorField{value("schema", schema)}
	if wanted != "" {
		fields = append(fields, value("wanted", wanted))
	}
	fields = append(fields, value("available", "["+strings.Join(available, ",")+"]"))
	return wrapFields(ErrNoMessageTypeFound, fields...)
}

func WrapErrUnsupportedMessageType(messageType string, reason string) error {
	return wrapFieldsWithDesc(ErrUnsupportedMessageType, reason, value("messageType", messageType))
}

// 单条消息相关错误封装。
func WrapErrInvalidJSONForSchema(messageType string, cause error) error {
	return wrapFieldsWithDesc(ErrInvalidJSONForSchema, cause.Error(), value("messageType", messageType))
}

func WrapErrDeliveryFailed(cause error, msg ...string) error {
	err := error(ErrDeliveryFailed)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return Combine(cause, err)
}

// Parameter 相关错误封装。
func WrapErrParameterInvalid[T any](expected, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		value("expected", expected),
		value("actual", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalidMsg(fmt string, args ...any) error {
	return errors.Wrapf(ErrParameterInvalid, fmt, args...)
}

func WrapErrParameterMissing[T any](param T, msg ...string) error {
	err := wrapFields(ErrParameterMissing,
		value("missing_param", param),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrOperationNotSupported(operation string, msg ...string) error {
	err := wrapFields(ErrOperationNotSupported, value("operation", operation))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func wrapFields(err postmanError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err postmanError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	if desc != "" {
		err.msg += ": " + desc
	}
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}
