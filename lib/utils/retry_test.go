/*
Copyright 2023 Pylon, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/cenkalti/backoff"
	"github.com/gravitational/trace"
	. "gopkg.in/check.v1"
)

func (s *UtilsSuite) TestRetryStopsOnAbort(c *C) {
	attempts := 0
	err := Retry(time.Millisecond, 10, func() error {
		attempts++
		return Abort(trace.BadParameter("fatal"))
	})
	c.Assert(trace.IsBadParameter(err), Equals, true, Commentf("%v", err))
	c.Assert(attempts, Equals, 1)
}

func (s *UtilsSuite) TestRetryRunsUntilSuccess(c *C) {
	attempts := 0
	err := Retry(time.Millisecond, 10, func() error {
		attempts++
		if attempts < 3 {
			return Continue("not ready yet")
		}
		return nil
	})
	c.Assert(err, IsNil)
	c.Assert(attempts, Equals, 3)
}

func (s *UtilsSuite) TestRetryTransientStopsOnPermanentError(c *C) {
	attempts := 0
	err := RetryTransient(context.TODO(),
		backoff.NewConstantBackOff(time.Millisecond),
		func() error {
			attempts++
			return trace.BadParameter("malformed input")
		})
	c.Assert(trace.IsBadParameter(err), Equals, true, Commentf("%v", err))
	c.Assert(attempts, Equals, 1)
}

func (s *UtilsSuite) TestRetryTransientRetriesThrottling(c *C) {
	attempts := 0
	err := RetryTransient(context.TODO(),
		backoff.NewConstantBackOff(time.Millisecond),
		func() error {
			attempts++
			if attempts < 3 {
				return awserr.New("Throttling", "rate exceeded", nil)
			}
			return nil
		})
	c.Assert(err, IsNil)
	c.Assert(attempts, Equals, 3)
}

func (s *UtilsSuite) TestRetryTransientRetriesConnectionProblems(c *C) {
	attempts := 0
	err := RetryTransient(context.TODO(),
		backoff.NewConstantBackOff(time.Millisecond),
		func() error {
			attempts++
			if attempts < 2 {
				return trace.ConnectionProblem(nil, "api unavailable")
			}
			return nil
		})
	c.Assert(err, IsNil)
	c.Assert(attempts, Equals, 2)
}

func (s *UtilsSuite) TestRetryTransientHonorsContext(c *C) {
	ctx, cancel := context.WithCancel(context.TODO())
	attempts := 0
	err := RetryTransient(ctx,
		backoff.NewConstantBackOff(time.Millisecond),
		func() error {
			attempts++
			cancel()
			return trace.ConnectionProblem(nil, "api unavailable")
		})
	c.Assert(err, NotNil)
	c.Assert(attempts, Equals, 1)
}
