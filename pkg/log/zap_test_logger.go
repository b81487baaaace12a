// Copyright 2021 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Copyright (c) 2017 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// 说明：本文件中的部分代码基于 go.uber.org/zap 中的实现，遵循 MIT 许可。
//
// https://github.com/uber-go/zap/blob/0c427222737cbbbdc53ebdf852c511f7aca0818b/zaptest/logger.go

package log

import (
	"bytes"
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// InitTestLogger initializes a logger for unit tests
func InitTestLogger(t zaptest.TestingT, cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	writer := testingWriter{t: t}
	// zap 内部错误同样写入测试输出，并让测试失败
	opts = append([]zap.Option{zap.ErrorOutput(writer.failing())}, opts...)
	return InitLoggerWithWriteSyncer(cfg, writer, opts...)
}

// NewTestContext 返回携带测试 logger 的 ctx 与记录到的日志。
// 日志在 go test -v 中可见，断言使用返回的 ObservedLogs。
func NewTestContext(t zaptest.TestingT, level zapcore.Level) (context.Context, *observer.ObservedLogs) {
	lg, logs := NewTestLogger(t, level)
	return WithLogger(context.Background(), lg), logs
}

// NewTestLogger 与 NewTestContext 相同，但直接返回 MLogger，用于 WithLogger 一类的注入点。
func NewTestLogger(t zaptest.TestingT, level zapcore.Level) (*MLogger, *observer.ObservedLogs) {
	observed, logs := observer.New(level)
	lg, _, err := InitTestLogger(t, &Config{Level: level.String(), Format: "text"})
	if err != nil {
		t.Errorf("init test logger: %v", err)
		return &MLogger{Logger: zap.New(observed)}, logs
	}
	lg = lg.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, observed)
	}))
	return &MLogger{Logger: lg}, logs
}

// testingWriter 把每条日志转给 t.Logf。
type testingWriter struct {
	t          zaptest.TestingT
	markFailed bool
}

func (w testingWriter) failing() testingWriter {
	w.markFailed = true
	return w
}

func (w testingWriter) Write(p []byte) (int, error) {
	// t.Logf 自带换行
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	if w.markFailed {
		w.t.Fail()
	}
	return len(p), nil
}

func (w testingWriter) Sync() error {
	return nil
}
