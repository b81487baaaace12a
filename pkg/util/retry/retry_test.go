// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	n := 0
	err := Do(context.Background(), func() error {
		n++
		if n < 3 {
			return errors.New("not yet")
		}
		return nil
	}, Attempts(5), Sleep(time.Millisecond))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDoReachesMaxAttempts(t *testing.T) {
	n := 0
	boom := errors.New("boom")
	err := Do(context.Background(), func() error {
		n++
		return boom
	}, Attempts(3), Sleep(time.Millisecond))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, n)
}

func TestDoSingleAttempt(t *testing.T) {
	n := 0
	err := Do(context.Background(), func() error {
		n++
		return errors.New("once")
	}, Attempts(1), Sleep(time.Hour))
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestDoUnrecoverable(t *testing.T) {
	n := 0
	boom := errors.New("fatal")
	err := Do(context.Background(), func() error {
		n++
		return Unrecoverable(boom)
	}, Attempts(5), Sleep(time.Millisecond))
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsRecoverable(err))
	assert.Equal(t, 1, n)
}

func TestDoRetryErrPredicate(t *testing.T) {
	n := 0
	err := Do(context.Background(), func() error {
		n++
		return errors.New("permanent")
	}, Attempts(5), Sleep(time.Millisecond), RetryErr(func(error) bool { return false }))
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestDoCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	boom := errors.New("slow")
	err = Do(ctx, func() error { return boom }, Attempts(0), Sleep(10*time.Millisecond), MaxSleepTime(20*time.Millisecond))
	assert.ErrorIs(t, err, boom)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSleepOptions(t *testing.T) {
	c := newDefaultConfig()
	Sleep(5 * time.Second)(c)
	assert.Equal(t, 10*time.Second, c.maxSleepTime)

	c = newDefaultConfig()
	MaxSleepTime(time.Millisecond)(c)
	assert.Equal(t, 400*time.Millisecond, c.maxSleepTime)
}
