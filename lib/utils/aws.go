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
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/ssm"

	"github.com/gravitational/trace"
)

// AWSSession returns a new AWS session in the specified region.
// An empty region defers to the SDK's own resolution chain.
func AWSSession(region string) (*session.Session, error) {
	config := aws.Config{}
	if region != "" {
		config.Region = aws.String(region)
	}
	sess, err := session.NewSession(&config)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sess, nil
}

// IsThrottlingError returns true if the specified error is an AWS API
// rate limit response
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	orig := trace.Unwrap(err)
	if request.IsErrorThrottle(orig) {
		return true
	}
	if awsErr, ok := orig.(awserr.Error); ok {
		// Route 53 serializes zone changes and rejects overlapping
		// batches with this code
		return awsErr.Code() == route53.ErrCodePriorRequestNotComplete
	}
	return false
}

// ConvertSSMError converts an error from the AWS Systems Manager API to a
// trace-compatible error
func ConvertSSMError(err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if awsErr, ok := trace.Unwrap(err).(awserr.Error); ok {
		switch awsErr.Code() {
		case ssm.ErrCodeInvalidInstanceId:
			return trace.NotFound(awsErr.Error(), args...)
		case ssm.ErrCodeInvocationDoesNotExist:
			return trace.NotFound(awsErr.Error(), args...)
		case ssm.ErrCodeInvalidDocument, ssm.ErrCodeInvalidParameters:
			return trace.BadParameter(awsErr.Error(), args...)
		case ssm.ErrCodeInternalServerError:
			return trace.ConnectionProblem(awsErr, awsErr.Error(), args...)
		}
	}
	return err
}

// ConvertEC2Error converts an error from the AWS EC2 API to a
// trace-compatible error
func ConvertEC2Error(err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if awsErr, ok := trace.Unwrap(err).(awserr.Error); ok {
		// EC2 does not export error code constants
		switch awsErr.Code() {
		case "InvalidInstanceID.NotFound", "InvalidAssociationID.NotFound":
			return trace.NotFound(awsErr.Error(), args...)
		case "InvalidInstanceID.Malformed", "InvalidParameterValue":
			return trace.BadParameter(awsErr.Error(), args...)
		}
	}
	return err
}

// ConvertRoute53Error converts an error from the AWS Route 53 API to a
// trace-compatible error
func ConvertRoute53Error(err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if awsErr, ok := trace.Unwrap(err).(awserr.Error); ok {
		switch awsErr.Code() {
		case route53.ErrCodeNoSuchHostedZone:
			return trace.NotFound(awsErr.Error(), args...)
		case route53.ErrCodeInvalidChangeBatch, route53.ErrCodeInvalidInput:
			return trace.BadParameter(awsErr.Error(), args...)
		case route53.ErrCodePriorRequestNotComplete:
			return trace.LimitExceeded(awsErr.Error(), args...)
		}
	}
	return err
}

// ConvertAutoScalingError converts an error from the AWS Auto Scaling API
// to a trace-compatible error.
// Completing or heartbeating a lifecycle action whose token is no longer
// active is reported as a validation failure - surface it as NotFound so
// replays can recognize it as benign.
func ConvertAutoScalingError(err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if awsErr, ok := trace.Unwrap(err).(awserr.Error); ok {
		switch awsErr.Code() {
		case "ValidationError":
			if strings.Contains(awsErr.Message(), "No active Lifecycle Action") {
				return trace.NotFound(awsErr.Error(), args...)
			}
			return trace.BadParameter(awsErr.Error(), args...)
		case "ResourceContentionFault":
			return trace.LimitExceeded(awsErr.Error(), args...)
		}
	}
	return err
}

// ConvertSQSError converts an error from the AWS SQS API to a
// trace-compatible error
func ConvertSQSError(err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if awsErr, ok := trace.Unwrap(err).(awserr.Error); ok {
		switch awsErr.Code() {
		case sqs.ErrCodeQueueDoesNotExist:
			return trace.NotFound(awsErr.Error(), args...)
		case sqs.ErrCodeReceiptHandleIsInvalid, sqs.ErrCodeMessageNotInflight:
			return trace.BadParameter(awsErr.Error(), args...)
		case sqs.ErrCodeOverLimit:
			return trace.LimitExceeded(awsErr.Error(), args...)
		}
	}
	return err
}

// ConvertIAMError converts an error from the AWS IAM API to a
// trace-compatible error
func ConvertIAMError(err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if awsErr, ok := trace.Unwrap(err).(awserr.Error); ok {
		switch awsErr.Code() {
		case iam.ErrCodeNoSuchEntityException:
			return trace.NotFound(awsErr.Error(), args...)
		case iam.ErrCodeEntityAlreadyExistsException:
			return trace.AlreadyExists(awsErr.Error(), args...)
		case iam.ErrCodeLimitExceededException:
			return trace.LimitExceeded(awsErr.Error(), args...)
		case iam.ErrCodeMalformedPolicyDocumentException:
			return trace.BadParameter(awsErr.Error(), args...)
		}
	}
	return err
}
