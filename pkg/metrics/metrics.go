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

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// postmanNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	postmanNamespace = "postman"

	statusLabelName   = "status"
	compilerLabelName = "compiler"

	SuccessLabel        = "success"
	InvalidInputLabel   = "invalid_input"
	DeliveryFailedLabel = "delivery_failed"
	CanceledLabel       = "canceled"
)

var (
	// buckets 为请求耗时直方图的桶划分，单位为毫秒。
	// 实际桶分布为：
	// [1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192 16384 32768 65536 1.31072e+05]
	buckets = prometheus.ExponentialBuckets(1, 2, 18)

	// longTaskBuckets 为长耗时任务的桶划分，单位为毫秒。
	longTaskBuckets = []float64{1, 100, 500, 1000, 5000, 10000, 20000, 50000, 100000} // 单位：毫秒

	TranslatedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: postmanNamespace,
			Name:      "translated_messages_total",
			Help:      "number of JSON messages handled by the translator, by outcome",
		}, []string{statusLabelName})

	TranslatedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: postmanNamespace,
			Name:      "translated_bytes_total",
			Help:      "total size of binary payloads handed to the sender",
		})

	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: postmanNamespace,
			Name:      "send_latency_milliseconds",
			Help:      "latency of a single sender call",
			Buckets:   buckets,
		})

	SchemaCompileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: postmanNamespace,
			Name:      "schema_compile_duration_milliseconds",
			Help:      "time spent compiling the schema at startup",
			Buckets:   longTaskBuckets,
		}, []string{compilerLabelName})

	registerOnce     sync.Once
	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(TranslatedMessages)
		r.MustRegister(TranslatedBytes)
		r.MustRegister(SendLatency)
		r.MustRegister(SchemaCompileDuration)
		metricRegisterer = r
	})
}
