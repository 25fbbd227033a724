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

package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pylonhq/pylon/lib/constants"
	"github.com/pylonhq/pylon/lib/events"
	"github.com/pylonhq/pylon/lib/lifecycle"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sqs"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/check.v1"
)

func TestService(t *testing.T) { check.TestingT(t) }

type ServiceSuite struct{}

var _ = check.Suite(&ServiceSuite{})

const launchBody = `{
 "EC2InstanceId": "i-0a1b2c3d4e5f67890",
 "LifecycleTransition": "autoscaling:EC2_INSTANCE_LAUNCHING",
 "AutoScalingGroupName": "pylon-proxy",
 "LifecycleHookName": "pylon-launch-hook",
 "LifecycleActionToken": "11111111-2222-3333-4444-555555555555"
}`

const testNotificationBody = `{
 "Event": "autoscaling:TEST_NOTIFICATION",
 "AutoScalingGroupName": "pylon-proxy"
}`

func (s *ServiceSuite) TestProcessesAndDeletesMessage(c *check.C) {
	env := newEnv(c, newMessage("receipt-1", launchBody))
	defer env.registry.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runC := env.run(ctx)

	select {
	case event := <-env.orch.processedC:
		c.Assert(event.InstanceID, check.Equals, "i-0a1b2c3d4e5f67890")
		c.Assert(event.Transition, check.Equals, events.TransitionLaunch)
		c.Assert(event.QueueURL, check.Equals, env.queue.url)
		c.Assert(event.ReceiptHandle, check.Equals, "receipt-1")
		c.Assert(event.Key, check.Not(check.Equals), "")
	case <-time.After(5 * time.Second):
		c.Fatal("timeout waiting for the orchestrator")
	}

	select {
	case receiptHandle := <-env.queue.deletedC:
		c.Assert(receiptHandle, check.Equals, "receipt-1")
	case <-time.After(5 * time.Second):
		c.Fatal("timeout waiting for the message delete")
	}

	cancel()
	c.Assert(waitErr(c, runC), check.IsNil)
}

func (s *ServiceSuite) TestDiscardsMalformedMessages(c *check.C) {
	env := newEnv(c, newMessage("receipt-1", "not a notification"))
	defer env.registry.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runC := env.run(ctx)

	select {
	case receiptHandle := <-env.queue.deletedC:
		c.Assert(receiptHandle, check.Equals, "receipt-1")
	case <-time.After(5 * time.Second):
		c.Fatal("timeout waiting for the message delete")
	}

	cancel()
	c.Assert(waitErr(c, runC), check.IsNil)
	c.Assert(env.orch.count(), check.Equals, 0)
}

func (s *ServiceSuite) TestDiscardsTestNotifications(c *check.C) {
	env := newEnv(c, newMessage("receipt-1", testNotificationBody))
	defer env.registry.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runC := env.run(ctx)

	select {
	case receiptHandle := <-env.queue.deletedC:
		c.Assert(receiptHandle, check.Equals, "receipt-1")
	case <-time.After(5 * time.Second):
		c.Fatal("timeout waiting for the message delete")
	}

	cancel()
	c.Assert(waitErr(c, runC), check.IsNil)
	c.Assert(env.orch.count(), check.Equals, 0)
}

func (s *ServiceSuite) TestLeavesFailedMessagesForRedelivery(c *check.C) {
	env := newEnv(c, newMessage("receipt-1", launchBody))
	defer env.registry.Close()
	env.orch.setError(trace.ConnectionProblem(nil, "scaling group is down"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runC := env.run(ctx)

	select {
	case <-env.orch.processedC:
	case <-time.After(5 * time.Second):
		c.Fatal("timeout waiting for the orchestrator")
	}

	cancel()
	c.Assert(waitErr(c, runC), check.IsNil)
	select {
	case receiptHandle := <-env.queue.deletedC:
		c.Fatalf("message %v deleted instead of being left for redelivery", receiptHandle)
	default:
	}
}

func (s *ServiceSuite) TestDrainWaitsForInflightWorkflows(c *check.C) {
	env := newEnv(c, newMessage("receipt-1", launchBody))
	defer env.registry.Close()
	block := make(chan struct{})
	env.orch.setBlock(block)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runC := env.run(ctx)

	select {
	case <-env.orch.processedC:
	case <-time.After(5 * time.Second):
		c.Fatal("timeout waiting for the orchestrator")
	}

	// shutdown begins with the workflow still in flight
	cancel()
	close(block)

	select {
	case receiptHandle := <-env.queue.deletedC:
		c.Assert(receiptHandle, check.Equals, "receipt-1")
	case <-time.After(5 * time.Second):
		c.Fatal("timeout waiting for the message delete")
	}
	c.Assert(waitErr(c, runC), check.IsNil)
}

func (s *ServiceSuite) TestShutdownTimeoutCancelsWorkflows(c *check.C) {
	env := newEnv(c, newMessage("receipt-1", launchBody))
	defer env.registry.Close()
	env.orch.setBlock(make(chan struct{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runC := env.run(ctx)

	select {
	case <-env.orch.processedC:
	case <-time.After(5 * time.Second):
		c.Fatal("timeout waiting for the orchestrator")
	}

	cancel()
	env.clock.BlockUntil(1)
	env.clock.Advance(time.Minute)

	err := waitErr(c, runC)
	c.Assert(trace.IsLimitExceeded(err), check.Equals, true, check.Commentf("%v", err))
	select {
	case receiptHandle := <-env.queue.deletedC:
		c.Fatalf("message %v deleted instead of being left for redelivery", receiptHandle)
	default:
	}
}

func (s *ServiceSuite) TestServesWorkflowListing(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	unit, err := env.registry.Begin(context.TODO(), &events.LifecycleEvent{
		InstanceID: "i-0a1b2c3d4e5f67890",
		Transition: events.TransitionLaunch,
		GroupName:  "pylon-proxy",
		HookName:   "pylon-launch-hook",
		Token:      "11111111-2222-3333-4444-555555555555",
		Key:        "3f8e2a52906bb4bfa52a71014a662f5c",
	})
	c.Assert(err, check.IsNil)
	unit.Release()

	w := httptest.NewRecorder()
	env.svc.listWorkflows(w, httptest.NewRequest("GET", "/workflows", nil))
	c.Assert(w.Code, check.Equals, http.StatusOK)

	var records []lifecycle.Record
	c.Assert(json.Unmarshal(w.Body.Bytes(), &records), check.IsNil)
	c.Assert(records, check.HasLen, 1)
	c.Assert(records[0].InstanceID, check.Equals, "i-0a1b2c3d4e5f67890")
	c.Assert(records[0].Stage, check.Equals, lifecycle.StageReceived)
}

func (s *ServiceSuite) TestReportsHealth(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	w := httptest.NewRecorder()
	env.svc.reportHealth(w, httptest.NewRequest("GET", "/healthz", nil))
	c.Assert(w.Code, check.Equals, http.StatusOK)
}

func (s *ServiceSuite) TestReportsDegradedHealth(c *check.C) {
	env := newEnv(c)
	c.Assert(env.registry.Close(), check.IsNil)

	w := httptest.NewRecorder()
	env.svc.reportHealth(w, httptest.NewRequest("GET", "/healthz", nil))
	c.Assert(w.Code, check.Equals, http.StatusServiceUnavailable)
}

func (s *ServiceSuite) TestValidatesConfig(c *check.C) {
	_, err := New(Config{})
	c.Assert(trace.IsBadParameter(err), check.Equals, true, check.Commentf("%v", err))
}

type env struct {
	queue    *mockQueue
	orch     *fakeOrchestrator
	registry *lifecycle.Registry
	clock    clockwork.FakeClock
	svc      *Service
}

func newEnv(c *check.C, messages ...*sqs.Message) *env {
	registry, err := lifecycle.NewRegistry(lifecycle.RegistryConfig{
		Path: filepath.Join(c.MkDir(), "pylon.db"),
	})
	c.Assert(err, check.IsNil)
	queue := &mockQueue{
		url:      "https://sqs.us-east-1.amazonaws.com/123456789012/pylon-lifecycle",
		pending:  messages,
		deletedC: make(chan string, 10),
	}
	orch := &fakeOrchestrator{
		processedC: make(chan *events.LifecycleEvent, 10),
		result:     &lifecycle.Result{Verdict: constants.LifecycleActionContinue},
	}
	clock := clockwork.NewFakeClock()
	svc, err := New(Config{
		Queue:           queue,
		QueueName:       "pylon-lifecycle",
		Orchestrator:    orch,
		Registry:        registry,
		ListenAddr:      "127.0.0.1:0",
		ShutdownTimeout: time.Minute,
		Clock:           clock,
	})
	c.Assert(err, check.IsNil)
	return &env{
		queue:    queue,
		orch:     orch,
		registry: registry,
		clock:    clock,
		svc:      svc,
	}
}

func (e *env) run(ctx context.Context) chan error {
	errC := make(chan error, 1)
	go func() {
		errC <- e.svc.Run(ctx)
	}()
	return errC
}

func waitErr(c *check.C, errC chan error) error {
	select {
	case err := <-errC:
		return err
	case <-time.After(5 * time.Second):
		c.Fatal("timeout waiting for the daemon to stop")
	}
	return nil
}

func newMessage(receiptHandle, body string) *sqs.Message {
	return &sqs.Message{
		MessageId:     aws.String("id-" + receiptHandle),
		Body:          aws.String(body),
		ReceiptHandle: aws.String(receiptHandle),
	}
}

type mockQueue struct {
	url      string
	deletedC chan string

	mu      sync.Mutex
	pending []*sqs.Message
}

func (q *mockQueue) GetQueueUrlWithContext(ctx aws.Context, in *sqs.GetQueueUrlInput, _ ...request.Option) (*sqs.GetQueueUrlOutput, error) {
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(q.url)}, nil
}

// ReceiveMessageWithContext hands out the pending messages once and then
// long-polls until the caller goes away
func (q *mockQueue) ReceiveMessageWithContext(ctx aws.Context, in *sqs.ReceiveMessageInput, _ ...request.Option) (*sqs.ReceiveMessageOutput, error) {
	q.mu.Lock()
	messages := q.pending
	q.pending = nil
	q.mu.Unlock()
	if len(messages) != 0 {
		return &sqs.ReceiveMessageOutput{Messages: messages}, nil
	}
	<-ctx.Done()
	return nil, trace.Wrap(ctx.Err())
}

func (q *mockQueue) DeleteMessageWithContext(ctx aws.Context, in *sqs.DeleteMessageInput, _ ...request.Option) (*sqs.DeleteMessageOutput, error) {
	select {
	case q.deletedC <- aws.StringValue(in.ReceiptHandle):
		return &sqs.DeleteMessageOutput{}, nil
	default:
		return nil, trace.BadParameter("blocked on channel send")
	}
}

type fakeOrchestrator struct {
	processedC chan *events.LifecycleEvent

	mu        sync.Mutex
	result    *lifecycle.Result
	err       error
	block     chan struct{}
	processed int
}

func (f *fakeOrchestrator) Process(ctx context.Context, event *events.LifecycleEvent) (*lifecycle.Result, error) {
	f.mu.Lock()
	f.processed++
	result, err, block := f.result, f.err, f.block
	f.mu.Unlock()
	select {
	case f.processedC <- event:
	default:
		return nil, trace.BadParameter("blocked on channel send")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (f *fakeOrchestrator) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeOrchestrator) setBlock(block chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = block
}

func (f *fakeOrchestrator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed
}
