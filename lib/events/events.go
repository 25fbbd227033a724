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

// package events normalizes raw scaling group notifications into canonical
// lifecycle events. Notifications arrive either as bare lifecycle hook
// payloads posted to the queue by the scaling group, or wrapped in an event
// bus envelope; both shapes normalize to the same LifecycleEvent with a
// stable idempotency key.
package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pylonhq/pylon/lib/utils"

	"github.com/gravitational/trace"
)

const (
	// InstanceLaunching is the scaling group instance launching lifecycle transition
	InstanceLaunching = "autoscaling:EC2_INSTANCE_LAUNCHING"
	// InstanceTerminating is the scaling group instance terminating lifecycle transition
	InstanceTerminating = "autoscaling:EC2_INSTANCE_TERMINATING"
	// TestNotification is posted by the scaling group when a lifecycle hook
	// is first wired to its notification target
	TestNotification = "autoscaling:TEST_NOTIFICATION"

	// detailTypeLaunch is the event bus detail-type for launch lifecycle actions
	detailTypeLaunch = "Instance-launch Lifecycle Action"
	// detailTypeTerminate is the event bus detail-type for terminate lifecycle actions
	detailTypeTerminate = "Instance-terminate Lifecycle Action"
)

// Transition is a normalized lifecycle transition
type Transition string

const (
	// TransitionLaunch indicates an instance entering the fleet
	TransitionLaunch Transition = "Launch"
	// TransitionTerminate indicates an instance leaving the fleet
	TransitionTerminate Transition = "Terminate"
)

// LifecycleEvent is a normalized scaling group lifecycle notification.
// The event is immutable once parsed.
type LifecycleEvent struct {
	// QueueURL is the queue this event was received on
	QueueURL string `json:"-"`
	// ReceiptHandle is the SQS receipt handle used to delete the message
	ReceiptHandle string `json:"-"`
	// InstanceID is the EC2 instance the lifecycle action refers to
	InstanceID string `json:"instance_id"`
	// Transition is the normalized lifecycle transition
	Transition Transition `json:"transition"`
	// GroupName is the name of the scaling group
	GroupName string `json:"group_name"`
	// HookName is the lifecycle hook holding the instance in its
	// wait state
	HookName string `json:"hook_name"`
	// Token addresses this specific lifecycle action at the scaler
	Token string `json:"token"`
	// Key is the idempotency key of this event, stable across
	// redeliveries of the same underlying notification
	Key string `json:"key"`
}

// String returns a log friendly description of this event
func (e LifecycleEvent) String() string {
	return fmt.Sprintf("event(%v %v, group=%v, key=%v)",
		e.Transition, e.InstanceID, e.GroupName, e.Key)
}

// hookPayload is a lifecycle hook notification as posted by the scaling
// group to its notification target
type hookPayload struct {
	// Event is set on service notifications that do not carry a transition
	Event string `json:"Event"`
	// InstanceID is AWS instance ID
	InstanceID string `json:"EC2InstanceId"`
	// LifecycleTransition is the raw lifecycle transition
	LifecycleTransition string `json:"LifecycleTransition"`
	// AutoScalingGroupName is the name of the scaling group
	AutoScalingGroupName string `json:"AutoScalingGroupName"`
	// LifecycleHookName is the name of the lifecycle hook
	LifecycleHookName string `json:"LifecycleHookName"`
	// LifecycleActionToken is the token to use when interacting with
	// the lifecycle action
	LifecycleActionToken string `json:"LifecycleActionToken"`
}

// envelope is the event bus wrapper around a hook payload
type envelope struct {
	// Source identifies the emitting service
	Source string `json:"source"`
	// DetailType describes the payload in Detail
	DetailType string `json:"detail-type"`
	// Detail is the wrapped hook payload
	Detail hookPayload `json:"detail"`
}

// Parse normalizes a raw queue message body into a LifecycleEvent.
// Returns a TestNotificationError for the scaling group's wiring test
// message and trace.BadParameter for notifications that cannot be
// normalized; neither can be fixed by a retry.
func Parse(body []byte) (*LifecycleEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, trace.BadParameter("failed to parse notification: %v", err)
	}
	payload := env.Detail
	if env.DetailType != "" && payload.LifecycleTransition == "" {
		// older bus rules strip the transition from the payload, recover
		// it from the detail-type
		switch {
		case strings.HasSuffix(env.DetailType, detailTypeLaunch):
			payload.LifecycleTransition = InstanceLaunching
		case strings.HasSuffix(env.DetailType, detailTypeTerminate):
			payload.LifecycleTransition = InstanceTerminating
		}
	}
	if env.DetailType == "" {
		// not an event bus envelope, the body is the payload itself
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, trace.BadParameter("failed to parse notification: %v", err)
		}
	}
	if payload.Event == TestNotification {
		return nil, &TestNotificationError{}
	}
	return normalize(payload)
}

func normalize(payload hookPayload) (*LifecycleEvent, error) {
	var transition Transition
	switch payload.LifecycleTransition {
	case InstanceLaunching:
		transition = TransitionLaunch
	case InstanceTerminating:
		transition = TransitionTerminate
	case "":
		return nil, trace.BadParameter("notification without lifecycle transition: %#v", payload)
	default:
		return nil, trace.BadParameter("unsupported lifecycle transition: %v", payload.LifecycleTransition)
	}
	var missing []string
	if payload.InstanceID == "" {
		missing = append(missing, "EC2InstanceId")
	}
	if payload.AutoScalingGroupName == "" {
		missing = append(missing, "AutoScalingGroupName")
	}
	if payload.LifecycleHookName == "" {
		missing = append(missing, "LifecycleHookName")
	}
	if payload.LifecycleActionToken == "" {
		missing = append(missing, "LifecycleActionToken")
	}
	if len(missing) != 0 {
		return nil, trace.BadParameter("notification without required fields %v: %#v",
			missing, payload)
	}
	key, err := NewKey(payload.InstanceID, transition, payload.LifecycleActionToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &LifecycleEvent{
		InstanceID: payload.InstanceID,
		Transition: transition,
		GroupName:  payload.AutoScalingGroupName,
		HookName:   payload.LifecycleHookName,
		Token:      payload.LifecycleActionToken,
		Key:        key,
	}, nil
}

// NewKey computes the idempotency key for a lifecycle action. Redeliveries
// of the same notification carry the same token and therefore map to the
// same key.
func NewKey(instanceID string, transition Transition, token string) (string, error) {
	key, err := utils.SHA256Half([]byte(fmt.Sprintf("%v|%v|%v", instanceID, transition, token)))
	if err != nil {
		return "", trace.Wrap(err)
	}
	return key, nil
}

// IsMalformed returns true if the specified error indicates a notification
// that cannot be normalized
func IsMalformed(err error) bool {
	return trace.IsBadParameter(err)
}

// TestNotificationError indicates the queue delivered the scaling group's
// wiring test message
type TestNotificationError struct{}

// Error returns the error message
func (e *TestNotificationError) Error() string {
	return "test notification"
}

// IsTestNotification returns true if the specified error indicates the
// scaling group's wiring test message
func IsTestNotification(err error) bool {
	_, ok := trace.Unwrap(err).(*TestNotificationError)
	return ok
}
