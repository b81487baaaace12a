package schema

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

const greetingSchema = `syntax = "proto3";
package demo;

message Greeting {
  string text = 1;
}
`

// writeGenerator 写入一个模拟 protoc 的 shell 脚本并返回其路径。
func writeGenerator(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake generator requires sh")
	}
	path := filepath.Join(t.TempDir(), "fake-protoc")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func compileEmbedded(t *testing.T, name, text string) *CompiledModule {
	t.Helper()
	module, err := NewEmbeddedCompiler().Compile(context.Background(), Schema{Name: name, Text: text})
	require.NoError(t, err)
	return module
}
