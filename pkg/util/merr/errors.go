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
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Schema 相关错误，均发生在启动阶段。
	ErrSchemaSourceUnavailable = newPostmanError("schema source unavailable", 100, false)
	ErrGeneratorUnavailable    = newPostmanError("schema generator unavailable", 101, false)
	ErrSchemaGenerationFailed  = newPostmanError("schema generation failed", 102, false)
	ErrSourceCompilationFailed = newPostmanError("generated source compilation failed", 103, false)
	ErrNoMessageTypeFound      = newPostmanError("no message type found", 104, false)
	ErrUnsupportedMessageType  = newPostmanError("unsupported message type", 105, false)

	// 单条消息相关错误，由发送循环恢复。
	ErrInvalidJSONForSchema = newPostmanError("invalid json for schema", 200, false, WithErrorType(InputError))
	ErrDeliveryFailed       = newPostmanError("delivery failed", 201, true)

	// Parameter related
	ErrParameterInvalid = newPostmanError("invalid parameter", 300, false)
	ErrParameterMissing = newPostmanError("missing parameter", 301, false)

	// General
	ErrOperationNotSupported = newPostmanError("unsupported operation", 3000, false)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to postmanError
	errUnexpected = newPostmanError("unexpected error", (1<<16)-1, false)
)

// fatalCodes 为启动阶段错误码集合：命中后进程应直接退出。
var fatalCodes = map[int32]struct{}{
	ErrSchemaSourceUnavailable.errCode: {},
	ErrGeneratorUnavailable.errCode:    {},
	ErrSchemaGenerationFailed.errCode:  {},
	ErrSourceCompilationFailed.errCode: {},
	ErrNoMessageTypeFound.errCode:      {},
	ErrUnsupportedMessageType.errCode:  {},
	ErrParameterInvalid.errCode:        {},
	ErrParameterMissing.errCode:        {},
}

type errorOption func(*postmanError)

func WithDetail(detail string) errorOption {
	return func(err *postmanError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *postmanError) {
		err.errType = etype
	}
}

type postmanError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newPostmanError(msg string, code int32, retriable bool, options ...errorOption) postmanError {
	err := postmanError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e postmanError) code() int32 {
	return e.errCode
}

func (e postmanError) Error() string {
	return e.msg
}

func (e postmanError) Detail() string {
	return e.detail
}

func (e postmanError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(postmanError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

// Combine 合并多个错误，nil 会被忽略。
// 合并结果的 cause 为最后一个错误，因此带错误码的 postmanError 应放在最后。
func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return multiErrors{
		errs,
	}
}
