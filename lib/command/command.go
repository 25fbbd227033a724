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

// package command runs shell commands on fleet instances through the AWS
// Systems Manager agent and polls the invocations to a terminal status.
// It also probes instance readiness before the first command is sent.
package command

import (
	"context"
	"time"

	"github.com/pylonhq/pylon/lib/constants"
	"github.com/pylonhq/pylon/lib/defaults"
	"github.com/pylonhq/pylon/lib/utils"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/cenkalti/backoff"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// SSM is an interface representing AWS Systems Manager
type SSM interface {
	SendCommandWithContext(aws.Context, *ssm.SendCommandInput, ...request.Option) (*ssm.SendCommandOutput, error)
	GetCommandInvocationWithContext(aws.Context, *ssm.GetCommandInvocationInput, ...request.Option) (*ssm.GetCommandInvocationOutput, error)
	DescribeInstanceInformationWithContext(aws.Context, *ssm.DescribeInstanceInformationInput, ...request.Option) (*ssm.DescribeInstanceInformationOutput, error)
}

// EC2 is an interface representing AWS Elastic Compute cloud
type EC2 interface {
	DescribeInstancesWithContext(aws.Context, *ec2.DescribeInstancesInput, ...request.Option) (*ec2.DescribeInstancesOutput, error)
}

// Status is a command invocation status
type Status string

const (
	// StatusPending indicates the invocation has not reached a terminal
	// state yet
	StatusPending Status = "Pending"
	// StatusSuccess indicates the remote command exited cleanly
	StatusSuccess Status = "Success"
	// StatusFailed indicates a non-zero remote exit or a cancelled command
	StatusFailed Status = "Failed"
	// StatusTimedOut indicates the agent gave up on the command
	StatusTimedOut Status = "TimedOut"
)

// IsTerminal returns true if this status is final
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimedOut
}

// Invocation is the result of a remote command
type Invocation struct {
	// ID is the command invocation ID
	ID string `json:"id"`
	// InstanceID is the instance the command ran on
	InstanceID string `json:"instance_id"`
	// Document is the command document
	Document string `json:"document"`
	// Status is the invocation status
	Status Status `json:"status"`
	// ExitCode is the remote exit code
	ExitCode int `json:"exit_code"`
	// Output is the captured remote stdout
	Output string `json:"output"`
	// ErrorOutput is the captured remote stderr
	ErrorOutput string `json:"error_output"`
}

// InvokeRequest describes a remote command
type InvokeRequest struct {
	// InstanceID is the target instance
	InstanceID string
	// Commands are the shell commands to run
	Commands []string
	// Document is the command document, defaults to the shell script
	// document
	Document string
	// Timeout bounds the wait for a terminal status
	Timeout time.Duration
}

// CheckAndSetDefaults checks this request and sets default values
func (r *InvokeRequest) CheckAndSetDefaults() error {
	if r.InstanceID == "" {
		return trace.BadParameter("missing parameter InstanceID")
	}
	if len(r.Commands) == 0 {
		return trace.BadParameter("missing parameter Commands")
	}
	if r.Document == "" {
		r.Document = defaults.ProxyDocument
	}
	if r.Timeout == 0 {
		r.Timeout = defaults.CommandTimeout
	}
	return nil
}

// Config is the command dispatcher configuration
type Config struct {
	// SystemsManager runs commands on fleet instances
	SystemsManager SSM
	// Cloud reports instance liveness
	Cloud EC2
	// ProbeTimeout bounds the instance readiness probe
	ProbeTimeout time.Duration
	// PollInterval is the initial delay between invocation status polls
	PollInterval time.Duration
	// PollMaxInterval caps the delay between invocation status polls
	PollMaxInterval time.Duration
}

// CheckAndSetDefaults checks and sets default values
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.SystemsManager == nil {
		return trace.BadParameter("missing parameter SystemsManager")
	}
	if cfg.Cloud == nil {
		return trace.BadParameter("missing parameter Cloud")
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaults.CommandPollInterval
	}
	if cfg.PollMaxInterval == 0 {
		cfg.PollMaxInterval = defaults.CommandPollMaxInterval
	}
	return nil
}

// Dispatcher runs remote commands on fleet instances
type Dispatcher struct {
	// Config is the dispatcher configuration
	Config
	*log.Entry
}

// New returns a new command dispatcher
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dispatcher{
		Config: cfg,
		Entry:  log.WithField(trace.Component, constants.ComponentCommand),
	}, nil
}

// Invoke sends the command to the target instance and polls at increasing
// intervals until the invocation reaches a terminal status or the request
// timeout elapses. A non-zero remote exit is reported in the returned
// invocation, not as an error. An InstanceUnreachableError is returned if
// the target instance no longer exists; the condition does not self-correct
// and the caller must not retry.
func (d *Dispatcher) Invoke(ctx context.Context, req InvokeRequest) (*Invocation, error) {
	if err := req.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	d.Debugf("Invoke(%v, %v commands).", req.InstanceID, len(req.Commands))
	out, err := d.SystemsManager.SendCommandWithContext(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String(req.Document),
		InstanceIds:  aws.StringSlice([]string{req.InstanceID}),
		Parameters: map[string][]*string{
			"commands": aws.StringSlice(req.Commands),
		},
	})
	if err != nil {
		err = utils.ConvertSSMError(err)
		if trace.IsNotFound(err) {
			// the agent does not know the instance: either it is gone or
			// the agent never registered, let the cloud decide
			return nil, d.convertUnreachable(ctx, req.InstanceID, err)
		}
		return nil, trace.Wrap(err)
	}
	commandID := aws.StringValue(out.Command.CommandId)
	invocation, err := d.waitInvocation(ctx, commandID, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	commandsTotal.WithLabelValues(string(invocation.Status)).Inc()
	return invocation, nil
}

// Probe waits for the target instance to become ready to run commands:
// the instance must be running and its agent must have registered.
// Returns an InstanceUnreachableError if the instance no longer exists.
func (d *Dispatcher) Probe(ctx context.Context, instanceID string) error {
	d.Debugf("Probe(%v).", instanceID)
	interval := utils.NewPollBackOff(d.PollInterval, d.PollMaxInterval, d.ProbeTimeout)
	err := utils.RetryWithInterval(ctx, interval, func() error {
		state, err := d.instanceState(ctx, instanceID)
		if err != nil {
			if trace.IsNotFound(err) {
				return &backoff.PermanentError{Err: &InstanceUnreachableError{InstanceID: instanceID}}
			}
			return trace.Wrap(err)
		}
		switch state {
		case ec2.InstanceStateNameShuttingDown, ec2.InstanceStateNameTerminated,
			ec2.InstanceStateNameStopping, ec2.InstanceStateNameStopped:
			return &backoff.PermanentError{Err: &InstanceUnreachableError{InstanceID: instanceID}}
		}
		online, err := d.agentOnline(ctx, instanceID)
		if err != nil {
			return trace.Wrap(err)
		}
		if !online {
			return trace.CompareFailed("agent on %v has not registered yet", instanceID)
		}
		return nil
	})
	if err != nil {
		probesTotal.WithLabelValues("failed").Inc()
		return trace.Wrap(err)
	}
	probesTotal.WithLabelValues("ok").Inc()
	return nil
}

// PublicDNSName returns the public DNS name of the specified instance
func (d *Dispatcher) PublicDNSName(ctx context.Context, instanceID string) (string, error) {
	instance, err := d.describeInstance(ctx, instanceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return "", trace.Wrap(&InstanceUnreachableError{InstanceID: instanceID})
		}
		return "", trace.Wrap(err)
	}
	name := aws.StringValue(instance.PublicDnsName)
	if name == "" {
		return "", trace.NotFound("instance %v has no public DNS name", instanceID)
	}
	return name, nil
}

func (d *Dispatcher) waitInvocation(ctx context.Context, commandID string, req InvokeRequest) (*Invocation, error) {
	logger := d.WithField(constants.FieldCommandID, commandID)
	var invocation *Invocation
	interval := utils.NewPollBackOff(d.PollInterval, d.PollMaxInterval, req.Timeout)
	err := utils.RetryWithInterval(ctx, interval, func() error {
		out, err := d.SystemsManager.GetCommandInvocationWithContext(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(commandID),
			InstanceId: aws.String(req.InstanceID),
		})
		if err != nil {
			// the invocation takes a moment to materialize after send,
			// keep polling through lookup errors until the timeout
			return trace.Wrap(utils.ConvertSSMError(err))
		}
		status := invocationStatus(aws.StringValue(out.Status))
		if !status.IsTerminal() {
			return trace.CompareFailed("command %v is still %v", commandID, status)
		}
		invocation = &Invocation{
			ID:          commandID,
			InstanceID:  req.InstanceID,
			Document:    req.Document,
			Status:      status,
			ExitCode:    int(aws.Int64Value(out.ResponseCode)),
			Output:      aws.StringValue(out.StandardOutputContent),
			ErrorOutput: aws.StringValue(out.StandardErrorContent),
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err, "command %v did not complete in %v", commandID, req.Timeout)
	}
	logger.WithField("status", invocation.Status).Info("Command completed.")
	return invocation, nil
}

// convertUnreachable decides whether a NotFound from the agent means the
// instance itself is gone
func (d *Dispatcher) convertUnreachable(ctx context.Context, instanceID string, orig error) error {
	state, err := d.instanceState(ctx, instanceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.Wrap(&InstanceUnreachableError{InstanceID: instanceID})
		}
		return trace.Wrap(orig)
	}
	switch state {
	case ec2.InstanceStateNameShuttingDown, ec2.InstanceStateNameTerminated:
		return trace.Wrap(&InstanceUnreachableError{InstanceID: instanceID})
	}
	return trace.Wrap(orig)
}

func (d *Dispatcher) describeInstance(ctx context.Context, instanceID string) (*ec2.Instance, error) {
	resp, err := d.Cloud.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: aws.StringSlice([]string{instanceID}),
	})
	if err != nil {
		return nil, utils.ConvertEC2Error(err)
	}
	if len(resp.Reservations) == 0 || len(resp.Reservations[0].Instances) == 0 {
		return nil, trace.NotFound("instance %v not found", instanceID)
	}
	return resp.Reservations[0].Instances[0], nil
}

func (d *Dispatcher) instanceState(ctx context.Context, instanceID string) (string, error) {
	instance, err := d.describeInstance(ctx, instanceID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	// state is mandatory but all SDK fields are pointers, stay safe
	if instance.State != nil {
		return aws.StringValue(instance.State.Name), nil
	}
	return "", nil
}

// agentOnline returns true if the agent on the specified instance has
// registered and is responding to pings
func (d *Dispatcher) agentOnline(ctx context.Context, instanceID string) (bool, error) {
	resp, err := d.SystemsManager.DescribeInstanceInformationWithContext(ctx, &ssm.DescribeInstanceInformationInput{
		Filters: []*ssm.InstanceInformationStringFilter{{
			Key:    aws.String("InstanceIds"),
			Values: aws.StringSlice([]string{instanceID}),
		}},
	})
	if err != nil {
		return false, utils.ConvertSSMError(err)
	}
	for _, info := range resp.InstanceInformationList {
		if aws.StringValue(info.InstanceId) == instanceID {
			return aws.StringValue(info.PingStatus) == ssm.PingStatusOnline, nil
		}
	}
	return false, nil
}

func invocationStatus(status string) Status {
	switch status {
	case ssm.CommandInvocationStatusSuccess:
		return StatusSuccess
	case ssm.CommandInvocationStatusFailed, ssm.CommandInvocationStatusCancelled:
		return StatusFailed
	case ssm.CommandInvocationStatusTimedOut:
		return StatusTimedOut
	}
	return StatusPending
}

// InstanceUnreachableError indicates the target instance no longer exists:
// it has already been removed by the scaling group
type InstanceUnreachableError struct {
	// InstanceID is the unreachable instance
	InstanceID string
}

// Error returns the error message
func (e *InstanceUnreachableError) Error() string {
	return "instance " + e.InstanceID + " is unreachable"
}

// IsInstanceUnreachable returns true if the specified error indicates an
// instance that no longer exists
func IsInstanceUnreachable(err error) bool {
	_, ok := trace.Unwrap(err).(*InstanceUnreachableError)
	return ok
}
