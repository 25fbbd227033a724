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

// package scaler resolves scaling group lifecycle actions: it delivers the
// final CONTINUE/ABANDON verdict for a lifecycle action and extends the
// action deadline via heartbeats while a workflow is still running.
package scaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pylonhq/pylon/lib/constants"
	"github.com/pylonhq/pylon/lib/events"
	"github.com/pylonhq/pylon/lib/utils"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/autoscaling"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// AutoScaling is an interface representing the AWS Auto Scaling service
type AutoScaling interface {
	CompleteLifecycleActionWithContext(aws.Context, *autoscaling.CompleteLifecycleActionInput, ...request.Option) (*autoscaling.CompleteLifecycleActionOutput, error)
	RecordLifecycleActionHeartbeatWithContext(aws.Context, *autoscaling.RecordLifecycleActionHeartbeatInput, ...request.Option) (*autoscaling.RecordLifecycleActionHeartbeatOutput, error)
	DescribeLifecycleHooksWithContext(aws.Context, *autoscaling.DescribeLifecycleHooksInput, ...request.Option) (*autoscaling.DescribeLifecycleHooksOutput, error)
}

// Config is the scaler client configuration
type Config struct {
	// AutoScaling is a client for the AWS Auto Scaling service
	AutoScaling AutoScaling
}

// CheckAndSetDefaults checks and sets default values
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.AutoScaling == nil {
		return trace.BadParameter("missing parameter AutoScaling")
	}
	return nil
}

// Client delivers lifecycle action verdicts and heartbeats to the
// scaling group
type Client struct {
	// Config is the client configuration
	Config
	*log.Entry

	mu sync.Mutex
	// timeouts caches hook heartbeat timeouts, they only change on
	// redeploys
	timeouts map[string]time.Duration
}

// New returns a new scaler client
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{
		Config:   cfg,
		Entry:    log.WithField(trace.Component, constants.ComponentScaler),
		timeouts: make(map[string]time.Duration),
	}, nil
}

// Complete resolves the lifecycle action behind the specified event with
// the given verdict, one of constants.LifecycleActionContinue or
// constants.LifecycleActionAbandon.
// Completing an action whose token already expired returns trace.NotFound
// which callers treat as benign on replay.
func (c *Client) Complete(ctx context.Context, event *events.LifecycleEvent, verdict string) error {
	c.Debugf("Complete(%v, %v).", event, verdict)
	_, err := c.AutoScaling.CompleteLifecycleActionWithContext(ctx, &autoscaling.CompleteLifecycleActionInput{
		AutoScalingGroupName:  aws.String(event.GroupName),
		LifecycleHookName:     aws.String(event.HookName),
		LifecycleActionToken:  aws.String(event.Token),
		LifecycleActionResult: aws.String(verdict),
		InstanceId:            aws.String(event.InstanceID),
	})
	if err != nil {
		return utils.ConvertAutoScalingError(err)
	}
	return nil
}

// Heartbeat extends the deadline of the lifecycle action behind the
// specified event by the hook's heartbeat timeout
func (c *Client) Heartbeat(ctx context.Context, event *events.LifecycleEvent) error {
	c.Debugf("Heartbeat(%v).", event)
	_, err := c.AutoScaling.RecordLifecycleActionHeartbeatWithContext(ctx, &autoscaling.RecordLifecycleActionHeartbeatInput{
		AutoScalingGroupName: aws.String(event.GroupName),
		LifecycleHookName:    aws.String(event.HookName),
		LifecycleActionToken: aws.String(event.Token),
		InstanceId:           aws.String(event.InstanceID),
	})
	if err != nil {
		return utils.ConvertAutoScalingError(err)
	}
	return nil
}

// HeartbeatTimeout returns the heartbeat timeout set on the specified
// lifecycle hook
func (c *Client) HeartbeatTimeout(ctx context.Context, groupName, hookName string) (time.Duration, error) {
	cacheKey := fmt.Sprintf("%v/%v", groupName, hookName)
	c.mu.Lock()
	if timeout, ok := c.timeouts[cacheKey]; ok {
		c.mu.Unlock()
		return timeout, nil
	}
	c.mu.Unlock()
	out, err := c.AutoScaling.DescribeLifecycleHooksWithContext(ctx, &autoscaling.DescribeLifecycleHooksInput{
		AutoScalingGroupName: aws.String(groupName),
		LifecycleHookNames:   aws.StringSlice([]string{hookName}),
	})
	if err != nil {
		return 0, utils.ConvertAutoScalingError(err)
	}
	for _, hook := range out.LifecycleHooks {
		if aws.StringValue(hook.LifecycleHookName) != hookName {
			continue
		}
		if hook.HeartbeatTimeout == nil {
			break
		}
		timeout := time.Duration(aws.Int64Value(hook.HeartbeatTimeout)) * time.Second
		c.mu.Lock()
		c.timeouts[cacheKey] = timeout
		c.mu.Unlock()
		return timeout, nil
	}
	return 0, trace.NotFound("no heartbeat timeout for lifecycle hook %v/%v",
		groupName, hookName)
}
