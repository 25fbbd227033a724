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

package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/pylonhq/pylon/lib/command"
	"github.com/pylonhq/pylon/lib/constants"
	"github.com/pylonhq/pylon/lib/dns"
	"github.com/pylonhq/pylon/lib/events"
	"github.com/pylonhq/pylon/lib/lease"
	"github.com/pylonhq/pylon/lib/proxy"

	"github.com/gravitational/trace"
	"gopkg.in/check.v1"
)

type OrchestratorSuite struct{}

var _ = check.Suite(&OrchestratorSuite{})

func (s *OrchestratorSuite) TestLaunchHappyPath(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	event := launchEvent()
	result, err := env.orch.Process(context.TODO(), event)
	c.Assert(err, check.IsNil)
	c.Assert(result.Verdict, check.Equals, constants.LifecycleActionContinue)
	c.Assert(result.Replayed, check.Equals, false)

	// the instance was probed and configured before publication
	c.Assert(env.dispatcher.probeCount(), check.Equals, 1)
	c.Assert(env.dispatcher.invokeCount(), check.Equals, 1)
	select {
	case req := <-env.dispatcher.invokedC:
		c.Assert(req.InstanceID, check.Equals, event.InstanceID)
		c.Assert(len(req.Commands), check.Not(check.Equals), 0)
	default:
		c.Fatal("no configuration command was sent")
	}

	record, err := env.registry.Get(event.Key)
	c.Assert(err, check.IsNil)
	c.Assert(record.Stage, check.Equals, StageDone)
	c.Assert(record.Verdict, check.Equals, constants.LifecycleActionContinue)
	c.Assert(record.Completed, check.NotNil)

	// the public name points at the instance with the workflow generation
	c.Assert(env.publisher.upsertCount(), check.Equals, 1)
	upsert := env.publisher.lastUpsert()
	c.Assert(upsert.record.Name, check.Equals, "proxy.pylon.dev")
	c.Assert(upsert.record.Target, check.Equals, env.dispatcher.publicName)
	c.Assert(upsert.generation, check.Equals, record.Generation)

	c.Assert(env.scaler.verdictCount(), check.Equals, 1)
	last := env.scaler.lastVerdict()
	c.Assert(last.verdict, check.Equals, constants.LifecycleActionContinue)
	c.Assert(last.token, check.Equals, event.Token)

	// the lease covered the whole workflow and was released at the end
	c.Assert(env.leases.startedTTL(event.Key), check.Equals, 900*time.Second)
	c.Assert(env.leases.checkpointCount(), check.Equals, 2)
	c.Assert(env.leases.stoppedCount(), check.Equals, 1)
}

func (s *OrchestratorSuite) TestRedeliveryReplaysVerdict(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	event := launchEvent()
	_, err := env.orch.Process(context.TODO(), event)
	c.Assert(err, check.IsNil)

	result, err := env.orch.Process(context.TODO(), event)
	c.Assert(err, check.IsNil)
	c.Assert(result.Replayed, check.Equals, true)
	c.Assert(result.Verdict, check.Equals, constants.LifecycleActionContinue)

	// side effects happened exactly once, only the verdict was repeated
	c.Assert(env.dispatcher.probeCount(), check.Equals, 1)
	c.Assert(env.dispatcher.invokeCount(), check.Equals, 1)
	c.Assert(env.publisher.upsertCount(), check.Equals, 1)
	c.Assert(env.scaler.verdictCount(), check.Equals, 2)
}

func (s *OrchestratorSuite) TestAbandonsVanishedInstance(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	event := launchEvent()
	env.dispatcher.setProbeErr(&command.InstanceUnreachableError{InstanceID: event.InstanceID})

	result, err := env.orch.Process(context.TODO(), event)
	c.Assert(err, check.IsNil)
	c.Assert(result.Verdict, check.Equals, constants.LifecycleActionAbandon)
	c.Assert(result.Reason, check.Equals, "instance vanished before configuration")

	// nothing was configured or published for the dead instance
	c.Assert(env.dispatcher.invokeCount(), check.Equals, 0)
	c.Assert(env.publisher.upsertCount(), check.Equals, 0)
	c.Assert(env.scaler.lastVerdict().verdict, check.Equals, constants.LifecycleActionAbandon)

	record, err := env.registry.Get(event.Key)
	c.Assert(err, check.IsNil)
	c.Assert(record.Stage, check.Equals, StageAbandoned)
	c.Assert(record.Reason, check.Equals, "instance vanished before configuration")
}

func (s *OrchestratorSuite) TestAbandonsOnDeniedLeaseExtension(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	env.leases.setCheckpointErr(trace.LimitExceeded("extension limit reached for lifecycle action"))

	result, err := env.orch.Process(context.TODO(), launchEvent())
	c.Assert(err, check.IsNil)
	c.Assert(result.Verdict, check.Equals, constants.LifecycleActionAbandon)
	c.Assert(result.Reason, check.Equals, "lease extension denied by the scaling group")

	// the probe ran but configuration never started without a fresh lease
	c.Assert(env.dispatcher.probeCount(), check.Equals, 1)
	c.Assert(env.dispatcher.invokeCount(), check.Equals, 0)
}

func (s *OrchestratorSuite) TestRetriesTransientConfigurationFailure(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	env.dispatcher.setInvokeErrs(trace.ConnectionProblem(nil, "ssm is unavailable"), nil)

	result, err := env.orch.Process(context.TODO(), launchEvent())
	c.Assert(err, check.IsNil)
	c.Assert(result.Verdict, check.Equals, constants.LifecycleActionContinue)
	c.Assert(env.dispatcher.invokeCount(), check.Equals, 2)
}

func (s *OrchestratorSuite) TestAbandonsAfterExhaustedConfigurationRetries(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	env.dispatcher.setInvokeErr(trace.ConnectionProblem(nil, "ssm is unavailable"))

	result, err := env.orch.Process(context.TODO(), launchEvent())
	c.Assert(err, check.IsNil)
	c.Assert(result.Verdict, check.Equals, constants.LifecycleActionAbandon)
	c.Assert(env.dispatcher.invokeCount(), check.Equals, 2)
	c.Assert(env.publisher.upsertCount(), check.Equals, 0)
}

func (s *OrchestratorSuite) TestAbandonsOnRemoteCommandFailure(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	env.dispatcher.setResult(command.StatusFailed, "Loaded plugins: extras_suggestions\nCould not retrieve mirrorlist")

	result, err := env.orch.Process(context.TODO(), launchEvent())
	c.Assert(err, check.IsNil)
	c.Assert(result.Verdict, check.Equals, constants.LifecycleActionAbandon)
	c.Assert(result.Reason, check.Matches, ".*finished with Failed.*")
	c.Assert(env.dispatcher.invokeCount(), check.Equals, 2)
}

func (s *OrchestratorSuite) TestContinuesWhenPublicationIsStale(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	env.publisher.setUpsertApplied(false)

	result, err := env.orch.Process(context.TODO(), launchEvent())
	c.Assert(err, check.IsNil)
	// a newer write owns the name, the launch itself is still sound
	c.Assert(result.Verdict, check.Equals, constants.LifecycleActionContinue)
}

func (s *OrchestratorSuite) TestAbandonsWhenPublicationFails(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	env.publisher.setUpsertErr(trace.ConnectionProblem(nil, "route 53 is unavailable"))

	result, err := env.orch.Process(context.TODO(), launchEvent())
	c.Assert(err, check.IsNil)
	c.Assert(result.Verdict, check.Equals, constants.LifecycleActionAbandon)

	record, err := env.registry.Get(launchEvent().Key)
	c.Assert(err, check.IsNil)
	c.Assert(record.Stage, check.Equals, StageAbandoned)
}

func (s *OrchestratorSuite) TestExpiredActionTokenIsBenign(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	env.scaler.setCompleteErr(trace.NotFound("no active lifecycle action for token"))

	result, err := env.orch.Process(context.TODO(), launchEvent())
	c.Assert(err, check.IsNil)
	c.Assert(result.Verdict, check.Equals, constants.LifecycleActionContinue)

	record, err := env.registry.Get(launchEvent().Key)
	c.Assert(err, check.IsNil)
	c.Assert(record.Stage, check.Equals, StageDone)
}

func (s *OrchestratorSuite) TestTerminateRetiresRecord(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	_, err := env.orch.Process(context.TODO(), launchEvent())
	c.Assert(err, check.IsNil)

	result, err := env.orch.Process(context.TODO(), terminateEvent())
	c.Assert(err, check.IsNil)
	c.Assert(result.Verdict, check.Equals, constants.LifecycleActionContinue)

	c.Assert(env.publisher.removeCount(), check.Equals, 1)
	removal := env.publisher.lastRemove()
	c.Assert(removal.name, check.Equals, "proxy.pylon.dev")
	// the terminate workflow outranks the launch that published the record
	c.Assert(removal.generation > env.publisher.lastUpsert().generation, check.Equals, true)

	record, err := env.registry.Get(terminateEvent().Key)
	c.Assert(err, check.IsNil)
	c.Assert(record.Stage, check.Equals, StageDone)
	c.Assert(record.Verdict, check.Equals, constants.LifecycleActionContinue)
}

func (s *OrchestratorSuite) TestTerminateProceedsPastCleanupFailure(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	env.publisher.setRemoveErr(trace.ConnectionProblem(nil, "route 53 is unavailable"))

	result, err := env.orch.Process(context.TODO(), terminateEvent())
	c.Assert(err, check.IsNil)
	// termination is never held hostage by cleanup
	c.Assert(result.Verdict, check.Equals, constants.LifecycleActionContinue)
	c.Assert(env.scaler.lastVerdict().verdict, check.Equals, constants.LifecycleActionContinue)

	record, err := env.registry.Get(terminateEvent().Key)
	c.Assert(err, check.IsNil)
	c.Assert(record.Stage, check.Equals, StageDone)
}

func (s *OrchestratorSuite) TestTerminateCancelsInflightLaunch(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	blockC := make(chan struct{})
	defer close(blockC)
	env.dispatcher.setBlock(blockC)

	launch := launchEvent()
	type outcome struct {
		result *Result
		err    error
	}
	resultC := make(chan outcome, 1)
	go func() {
		result, err := env.orch.Process(context.TODO(), launch)
		resultC <- outcome{result: result, err: err}
	}()

	// wait for the launch to block in remote configuration
	select {
	case <-env.dispatcher.invokedC:
	case <-time.After(5 * time.Second):
		c.Fatal("timeout waiting for the launch to start configuring")
	}

	result, err := env.orch.Process(context.TODO(), terminateEvent())
	c.Assert(err, check.IsNil)
	c.Assert(result.Verdict, check.Equals, constants.LifecycleActionContinue)

	select {
	case res := <-resultC:
		c.Assert(res.err, check.IsNil)
		c.Assert(res.result.Verdict, check.Equals, constants.LifecycleActionAbandon)
		c.Assert(res.result.Reason, check.Equals, "instance is terminating")
	case <-time.After(5 * time.Second):
		c.Fatal("timeout waiting for the launch to observe the cancellation")
	}

	// the cancelled launch never published
	c.Assert(env.publisher.upsertCount(), check.Equals, 0)
	record, err := env.registry.Get(launch.Key)
	c.Assert(err, check.IsNil)
	c.Assert(record.Stage, check.Equals, StageAbandoned)
}

func (s *OrchestratorSuite) TestShutdownLeavesWorkflowResumable(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	blockC := make(chan struct{})
	defer close(blockC)
	env.dispatcher.setBlock(blockC)

	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	type outcome struct {
		result *Result
		err    error
	}
	resultC := make(chan outcome, 1)
	go func() {
		result, err := env.orch.Process(ctx, launchEvent())
		resultC <- outcome{result: result, err: err}
	}()

	select {
	case <-env.dispatcher.invokedC:
	case <-time.After(5 * time.Second):
		c.Fatal("timeout waiting for the launch to start configuring")
	}
	cancel()

	select {
	case res := <-resultC:
		c.Assert(res.err, check.NotNil)
		c.Assert(res.result, check.IsNil)
	case <-time.After(5 * time.Second):
		c.Fatal("timeout waiting for the launch to stop")
	}

	// no verdict was recorded, a redelivery resumes configuration
	c.Assert(env.scaler.verdictCount(), check.Equals, 0)
	record, err := env.registry.Get(launchEvent().Key)
	c.Assert(err, check.IsNil)
	c.Assert(record.Stage, check.Equals, StageConfiguring)
}

func (s *OrchestratorSuite) TestResumeSkipsCompletedStages(c *check.C) {
	env := newEnv(c)
	defer env.registry.Close()

	// the previous daemon got as far as publishing before it died
	event := launchEvent()
	unit, err := env.registry.Begin(context.TODO(), event)
	c.Assert(err, check.IsNil)
	generation := unit.Record.Generation
	c.Assert(unit.Transition(StageValidating), check.IsNil)
	c.Assert(unit.Transition(StageConfiguring), check.IsNil)
	c.Assert(unit.Transition(StagePublishing), check.IsNil)
	unit.Release()

	result, err := env.orch.Process(context.TODO(), event)
	c.Assert(err, check.IsNil)
	c.Assert(result.Verdict, check.Equals, constants.LifecycleActionContinue)

	// probe and configuration are not repeated, publication is re-run
	// with the original generation
	c.Assert(env.dispatcher.probeCount(), check.Equals, 0)
	c.Assert(env.dispatcher.invokeCount(), check.Equals, 0)
	c.Assert(env.publisher.upsertCount(), check.Equals, 1)
	c.Assert(env.publisher.lastUpsert().generation, check.Equals, generation)
}

func (s *OrchestratorSuite) TestValidatesConfig(c *check.C) {
	registry := newRegistry(c, nil)
	defer registry.Close()
	valid := Config{
		Registry:   registry,
		Leases:     newFakeLeases(),
		Scaler:     newFakeScaler(),
		Dispatcher: newFakeDispatcher(),
		Publisher:  newFakePublisher(),
		Domain:     "proxy.pylon.dev",
		Profile:    testProfile(),
	}
	_, err := New(valid)
	c.Assert(err, check.IsNil)

	for _, tc := range []struct {
		mutate func(*Config)
		error  string
	}{
		{mutate: func(cfg *Config) { cfg.Registry = nil }, error: "Registry"},
		{mutate: func(cfg *Config) { cfg.Scaler = nil }, error: "Scaler"},
		{mutate: func(cfg *Config) { cfg.Domain = "" }, error: "Domain"},
		{mutate: func(cfg *Config) { cfg.Profile.OriginAddress = "" }, error: "OriginAddress"},
	} {
		cfg := valid
		tc.mutate(&cfg)
		_, err := New(cfg)
		c.Assert(trace.IsBadParameter(err), check.Equals, true, check.Commentf("%v", err))
		c.Assert(err, check.ErrorMatches, ".*"+tc.error+".*")
	}
}

type env struct {
	registry   *Registry
	leases     *fakeLeases
	scaler     *fakeScaler
	dispatcher *fakeDispatcher
	publisher  *fakePublisher
	orch       *Orchestrator
}

func newEnv(c *check.C) *env {
	registry, err := NewRegistry(RegistryConfig{
		Path: filepath.Join(c.MkDir(), "pylon.db"),
	})
	c.Assert(err, check.IsNil)
	e := &env{
		registry:   registry,
		leases:     newFakeLeases(),
		scaler:     newFakeScaler(),
		dispatcher: newFakeDispatcher(),
		publisher:  newFakePublisher(),
	}
	orch, err := New(Config{
		Registry:          registry,
		Leases:            e.leases,
		Scaler:            e.scaler,
		Dispatcher:        e.dispatcher,
		Publisher:         e.publisher,
		Domain:            "proxy.pylon.dev",
		Profile:           testProfile(),
		ConfigureAttempts: 2,
		RetryInterval:     time.Millisecond,
	})
	c.Assert(err, check.IsNil)
	e.orch = orch
	return e
}

func testProfile() proxy.Profile {
	return proxy.Profile{
		ArtifactsBucket: "pylon-artifacts",
		Domain:          "proxy.pylon.dev",
		OriginAddress:   "origin.pylon.internal",
		CertificateARN:  "arn:aws:acm:us-east-1:123456789012:certificate/11111111-2222-3333-4444-555555555555",
	}
}

type verdict struct {
	key     string
	token   string
	verdict string
}

type fakeScaler struct {
	mu          sync.Mutex
	verdicts    []verdict
	completeErr error
	hookTimeout time.Duration
}

func newFakeScaler() *fakeScaler {
	return &fakeScaler{hookTimeout: 900 * time.Second}
}

func (f *fakeScaler) Complete(ctx context.Context, event *events.LifecycleEvent, v string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.verdicts = append(f.verdicts, verdict{key: event.Key, token: event.Token, verdict: v})
	return nil
}

func (f *fakeScaler) HeartbeatTimeout(ctx context.Context, groupName, hookName string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hookTimeout, nil
}

func (f *fakeScaler) setCompleteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeErr = err
}

func (f *fakeScaler) verdictCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.verdicts)
}

func (f *fakeScaler) lastVerdict() verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.verdicts) == 0 {
		return verdict{}
	}
	return f.verdicts[len(f.verdicts)-1]
}

type fakeDispatcher struct {
	mu          sync.Mutex
	probeErr    error
	invokeErr   error
	invokeErrs  []error
	status      command.Status
	errorOutput string
	publicName  string
	blockC      chan struct{}
	probes      int
	invokes     int
	invokedC    chan command.InvokeRequest
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		status:     command.StatusSuccess,
		publicName: "ec2-203-0-113-25.compute-1.amazonaws.com",
		invokedC:   make(chan command.InvokeRequest, 10),
	}
}

func (f *fakeDispatcher) Probe(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.probeErr
}

func (f *fakeDispatcher) Invoke(ctx context.Context, req command.InvokeRequest) (*command.Invocation, error) {
	f.mu.Lock()
	f.invokes++
	err := f.invokeErr
	if len(f.invokeErrs) != 0 {
		err = f.invokeErrs[0]
		f.invokeErrs = f.invokeErrs[1:]
	}
	status := f.status
	errorOutput := f.errorOutput
	blockC := f.blockC
	f.mu.Unlock()

	select {
	case f.invokedC <- req:
	default:
		return nil, trace.BadParameter("blocked on channel send")
	}
	if blockC != nil {
		select {
		case <-blockC:
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return &command.Invocation{
		ID:          "00000000-1111-2222-3333-444444444444",
		InstanceID:  req.InstanceID,
		Status:      status,
		ErrorOutput: errorOutput,
	}, nil
}

func (f *fakeDispatcher) PublicDNSName(ctx context.Context, instanceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publicName, nil
}

func (f *fakeDispatcher) setProbeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr = err
}

func (f *fakeDispatcher) setInvokeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokeErr = err
}

func (f *fakeDispatcher) setInvokeErrs(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invokeErrs = errs
}

func (f *fakeDispatcher) setResult(status command.Status, errorOutput string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.errorOutput = errorOutput
}

func (f *fakeDispatcher) setBlock(blockC chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockC = blockC
}

func (f *fakeDispatcher) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func (f *fakeDispatcher) invokeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invokes
}

type publication struct {
	record     dns.Record
	generation int64
}

type removal struct {
	name       string
	generation int64
}

type fakePublisher struct {
	mu            sync.Mutex
	upserts       []publication
	removes       []removal
	upsertApplied bool
	removeApplied bool
	upsertErr     error
	removeErr     error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{upsertApplied: true, removeApplied: true}
}

func (f *fakePublisher) Upsert(ctx context.Context, record dns.Record, generation int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return false, f.upsertErr
	}
	f.upserts = append(f.upserts, publication{record: record, generation: generation})
	return f.upsertApplied, nil
}

func (f *fakePublisher) Remove(ctx context.Context, name string, generation int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return false, f.removeErr
	}
	f.removes = append(f.removes, removal{name: name, generation: generation})
	return f.removeApplied, nil
}

func (f *fakePublisher) setUpsertApplied(applied bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertApplied = applied
}

func (f *fakePublisher) setUpsertErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertErr = err
}

func (f *fakePublisher) setRemoveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeErr = err
}

func (f *fakePublisher) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

func (f *fakePublisher) removeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removes)
}

func (f *fakePublisher) lastUpsert() publication {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.upserts) == 0 {
		return publication{}
	}
	return f.upserts[len(f.upserts)-1]
}

func (f *fakePublisher) lastRemove() removal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.removes) == 0 {
		return removal{}
	}
	return f.removes[len(f.removes)-1]
}

type fakeLeases struct {
	mu            sync.Mutex
	started       map[string]time.Duration
	stopped       []string
	checkpoints   int
	checkpointErr error
}

func newFakeLeases() *fakeLeases {
	return &fakeLeases{started: make(map[string]time.Duration)}
}

func (f *fakeLeases) Start(event *events.LifecycleEvent, ttl time.Duration) lease.Lease {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[event.Key] = ttl
	return lease.Lease{TTL: ttl}
}

func (f *fakeLeases) Checkpoint(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints++
	return f.checkpointErr
}

func (f *fakeLeases) StepContext(ctx context.Context, key string) (context.Context, context.CancelFunc, error) {
	stepCtx, cancel := context.WithCancel(ctx)
	return stepCtx, cancel, nil
}

func (f *fakeLeases) Stop(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, key)
}

func (f *fakeLeases) setCheckpointErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpointErr = err
}

func (f *fakeLeases) startedTTL(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[key]
}

func (f *fakeLeases) checkpointCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoints
}

func (f *fakeLeases) stoppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}
