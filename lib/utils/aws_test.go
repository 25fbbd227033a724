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
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/ssm"

	"github.com/gravitational/trace"
	. "gopkg.in/check.v1"
)

func (s *UtilsSuite) TestClassifiesThrottlingErrors(c *C) {
	tcs := []struct {
		err      error
		throttle bool
		comment  string
	}{
		{
			err:      awserr.New("Throttling", "rate exceeded", nil),
			throttle: true,
			comment:  "generic throttling code",
		},
		{
			err:      awserr.New(route53.ErrCodePriorRequestNotComplete, "prior change pending", nil),
			throttle: true,
			comment:  "route53 change batch contention",
		},
		{
			err:      trace.Wrap(awserr.New("ThrottlingException", "slow down", nil)),
			throttle: true,
			comment:  "wrapped throttling code",
		},
		{
			err:      awserr.New("ValidationError", "bad request", nil),
			throttle: false,
			comment:  "validation error is not transient",
		},
		{
			err:      nil,
			throttle: false,
			comment:  "no error",
		},
	}
	for _, tc := range tcs {
		c.Assert(IsThrottlingError(tc.err), Equals, tc.throttle,
			Commentf(tc.comment))
	}
}

func (s *UtilsSuite) TestConvertsAutoScalingErrors(c *C) {
	err := ConvertAutoScalingError(awserr.New("ValidationError",
		"No active Lifecycle Action found with token deadbeef", nil))
	c.Assert(trace.IsNotFound(err), Equals, true, Commentf("%v", err))

	err = ConvertAutoScalingError(awserr.New("ValidationError",
		"1 validation error detected", nil))
	c.Assert(trace.IsBadParameter(err), Equals, true, Commentf("%v", err))

	err = ConvertAutoScalingError(awserr.New("ResourceContentionFault",
		"too many pending updates", nil))
	c.Assert(trace.IsLimitExceeded(err), Equals, true, Commentf("%v", err))

	c.Assert(ConvertAutoScalingError(nil), IsNil)
}

func (s *UtilsSuite) TestConvertsSSMErrors(c *C) {
	err := ConvertSSMError(awserr.New(ssm.ErrCodeInvalidInstanceId,
		"instances not in a valid state", nil))
	c.Assert(trace.IsNotFound(err), Equals, true, Commentf("%v", err))

	err = ConvertSSMError(awserr.New(ssm.ErrCodeInvocationDoesNotExist,
		"invocation does not exist", nil))
	c.Assert(trace.IsNotFound(err), Equals, true, Commentf("%v", err))

	err = ConvertSSMError(awserr.New(ssm.ErrCodeInvalidDocument,
		"no such document", nil))
	c.Assert(trace.IsBadParameter(err), Equals, true, Commentf("%v", err))
}

func (s *UtilsSuite) TestConvertsRoute53Errors(c *C) {
	err := ConvertRoute53Error(awserr.New(route53.ErrCodeNoSuchHostedZone,
		"no hosted zone found", nil))
	c.Assert(trace.IsNotFound(err), Equals, true, Commentf("%v", err))

	err = ConvertRoute53Error(awserr.New(route53.ErrCodeInvalidChangeBatch,
		"tried to delete a record that does not exist", nil))
	c.Assert(trace.IsBadParameter(err), Equals, true, Commentf("%v", err))
}

func (s *UtilsSuite) TestConvertsIAMErrors(c *C) {
	err := ConvertIAMError(awserr.New(iam.ErrCodeNoSuchEntityException,
		"policy not found", nil))
	c.Assert(trace.IsNotFound(err), Equals, true, Commentf("%v", err))

	err = ConvertIAMError(awserr.New(iam.ErrCodeLimitExceededException,
		"policy version limit reached", nil))
	c.Assert(trace.IsLimitExceeded(err), Equals, true, Commentf("%v", err))
}

func (s *UtilsSuite) TestConvertPassesThroughUnknownErrors(c *C) {
	orig := awserr.New("UnknownCode", "something else", nil)
	c.Assert(ConvertEC2Error(orig), Equals, orig)
	orig2 := trace.BadParameter("not an aws error")
	c.Assert(ConvertRoute53Error(orig2), Equals, orig2)
}
