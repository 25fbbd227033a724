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
	"time"

	"github.com/pylonhq/pylon/lib/command"
	"github.com/pylonhq/pylon/lib/constants"
	"github.com/pylonhq/pylon/lib/defaults"
	"github.com/pylonhq/pylon/lib/dns"
	"github.com/pylonhq/pylon/lib/events"
	"github.com/pylonhq/pylon/lib/lease"
	"github.com/pylonhq/pylon/lib/proxy"
	"github.com/pylonhq/pylon/lib/utils"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Scaler resolves lifecycle actions at the scaling group
type Scaler interface {
	// Complete delivers the lifecycle action verdict for the event
	Complete(ctx context.Context, event *events.LifecycleEvent, verdict string) error
	// HeartbeatTimeout returns the heartbeat timeout configured on the
	// lifecycle hook
	HeartbeatTimeout(ctx context.Context, groupName, hookName string) (time.Duration, error)
}

// Dispatcher runs commands on fleet instances
type Dispatcher interface {
	// Invoke runs the command described by req on the instance and
	// waits for the invocation to finish
	Invoke(ctx context.Context, req command.InvokeRequest) (*command.Invocation, error)
	// Probe verifies the instance is running and its agent is reachable
	Probe(ctx context.Context, instanceID string) error
	// PublicDNSName returns the public DNS name of the instance
	PublicDNSName(ctx context.Context, instanceID string) (string, error)
}

// Publisher manages the published proxy record
type Publisher interface {
	// Upsert points the record at a new target if generation is newer
	// than the registered one
	Upsert(ctx context.Context, record dns.Record, generation int64) (bool, error)
	// Remove retires the record if generation is newer than the
	// registered one
	Remove(ctx context.Context, name string, generation int64) (bool, error)
}

// Leases tracks the deadlines of in-flight lifecycle actions
type Leases interface {
	// Start begins tracking a lease for the event with the given TTL
	Start(event *events.LifecycleEvent, ttl time.Duration) lease.Lease
	// Checkpoint tops up the lease before another blocking step starts
	Checkpoint(ctx context.Context, key string) error
	// StepContext returns a context that expires with the lease
	StepContext(ctx context.Context, key string) (context.Context, context.CancelFunc, error)
	// Stop stops tracking the lease
	Stop(key string)
}

// Config is the lifecycle orchestrator configuration
type Config struct {
	// Registry persists workflow records and serializes work per key
	Registry *Registry
	// Leases tracks lifecycle action deadlines
	Leases Leases
	// Scaler resolves lifecycle actions at the scaling group
	Scaler Scaler
	// Dispatcher runs remote commands on instances
	Dispatcher Dispatcher
	// Publisher manages the published proxy record
	Publisher Publisher
	// Domain is the public name the proxy fleet is published under
	Domain string
	// Profile describes how a fresh instance is turned into a proxy
	Profile proxy.Profile
	// LeaseTTL is the lease duration used when the hook timeout cannot
	// be queried
	LeaseTTL time.Duration
	// ConfigureAttempts bounds retries of the remote configuration command
	ConfigureAttempts int
	// RetryInterval is the delay between configuration attempts
	RetryInterval time.Duration
	// Clock is the time source, swapped for a fake in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if cfg.Leases == nil {
		return trace.BadParameter("missing parameter Leases")
	}
	if cfg.Scaler == nil {
		return trace.BadParameter("missing parameter Scaler")
	}
	if cfg.Dispatcher == nil {
		return trace.BadParameter("missing parameter Dispatcher")
	}
	if cfg.Publisher == nil {
		return trace.BadParameter("missing parameter Publisher")
	}
	if cfg.Domain == "" {
		return trace.BadParameter("missing parameter Domain")
	}
	if err := cfg.Profile.Check(); err != nil {
		return trace.Wrap(err)
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = defaults.LeaseTTL
	}
	if cfg.ConfigureAttempts == 0 {
		cfg.ConfigureAttempts = defaults.ConfigureAttempts
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Orchestrator drives lifecycle events through their workflows and
// decides the verdict reported back to the scaling group
type Orchestrator struct {
	// Config is the orchestrator configuration
	Config
	*log.Entry
}

// New returns a new lifecycle orchestrator
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Orchestrator{
		Config: cfg,
		Entry: log.WithFields(log.Fields{
			trace.Component: constants.ComponentLifecycle,
		}),
	}, nil
}

// Result is the outcome of a processed lifecycle event
type Result struct {
	// Verdict is the lifecycle action result delivered to the scaling group
	Verdict string `json:"verdict"`
	// Reason explains an ABANDON verdict
	Reason string `json:"reason,omitempty"`
	// Replayed is true if the event duplicated an already completed
	// workflow and only the recorded verdict was repeated
	Replayed bool `json:"replayed"`
}

// Process drives the lifecycle event through its workflow and returns
// the verdict delivered to the scaling group. Duplicate deliveries of a
// completed workflow replay the recorded verdict without repeating side
// effects; duplicates of an in-flight workflow block until it finishes.
func (o *Orchestrator) Process(ctx context.Context, event *events.LifecycleEvent) (*Result, error) {
	o.Debugf("Process(%v).", event)
	unit, err := o.Registry.Begin(ctx, event)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer unit.Release()

	if unit.Record.IsTerminal() {
		o.WithFields(log.Fields{
			constants.FieldWorkflowKey: event.Key,
			constants.FieldVerdict:     unit.Record.Verdict,
		}).Info("Replaying completed workflow.")
		o.resendVerdict(ctx, event, unit.Record)
		return &Result{
			Verdict:  unit.Record.Verdict,
			Reason:   unit.Record.Reason,
			Replayed: true,
		}, nil
	}

	switch event.Transition {
	case events.TransitionLaunch:
		return o.processLaunch(ctx, unit, event)
	case events.TransitionTerminate:
		return o.processTerminate(ctx, unit, event)
	}
	return nil, trace.BadParameter("unsupported transition %q", event.Transition)
}

// processLaunch validates, configures and publishes a launching instance.
// Any failure abandons the launch so the scaling group replaces the
// instance instead of putting a broken proxy into service.
func (o *Orchestrator) processLaunch(ctx context.Context, unit *Unit, event *events.LifecycleEvent) (*Result, error) {
	logger := o.WithFields(log.Fields{
		constants.FieldInstanceID:  event.InstanceID,
		constants.FieldWorkflowKey: event.Key,
	})
	logger.Info("Processing launch.")
	unitCtx := unit.Context()

	o.Leases.Start(event, o.leaseTTL(ctx, event))
	defer o.Leases.Stop(event.Key)

	err := o.runStage(unit, StageValidating, func() error {
		stepCtx, cancel, err := o.Leases.StepContext(unitCtx, event.Key)
		if err != nil {
			return trace.Wrap(err)
		}
		defer cancel()
		return trace.Wrap(o.Dispatcher.Probe(stepCtx, event.InstanceID))
	})
	if err != nil {
		return o.failLaunch(ctx, unit, event, err, "instance vanished before configuration")
	}

	if err := o.Leases.Checkpoint(unitCtx, event.Key); err != nil {
		return o.failLaunch(ctx, unit, event, err, "")
	}
	err = o.runStage(unit, StageConfiguring, func() error {
		return trace.Wrap(o.configure(unitCtx, event))
	})
	if err != nil {
		return o.failLaunch(ctx, unit, event, err, "instance became unreachable during configuration")
	}

	if err := o.Leases.Checkpoint(unitCtx, event.Key); err != nil {
		return o.failLaunch(ctx, unit, event, err, "")
	}
	err = o.runStage(unit, StagePublishing, func() error {
		return trace.Wrap(o.publish(unitCtx, unit, event))
	})
	if err != nil {
		return o.failLaunch(ctx, unit, event, err, "instance vanished before publication")
	}

	err = o.runStage(unit, StageCompleting, func() error {
		return trace.Wrap(o.deliverVerdict(ctx, event, constants.LifecycleActionContinue))
	})
	if err != nil {
		// no terminal record: a redelivery resumes at this stage and
		// repeats the delivery
		return nil, trace.Wrap(err)
	}
	if err := unit.Complete(StageDone, constants.LifecycleActionContinue, ""); err != nil {
		return nil, trace.Wrap(err)
	}
	logger.Info("Launch complete.")
	return &Result{Verdict: constants.LifecycleActionContinue}, nil
}

// processTerminate retires the published record and lets the scaling
// group proceed. Termination is never abandoned: the instance is going
// away regardless, holding the hook on a cleanup failure only delays it.
func (o *Orchestrator) processTerminate(ctx context.Context, unit *Unit, event *events.LifecycleEvent) (*Result, error) {
	logger := o.WithFields(log.Fields{
		constants.FieldInstanceID:  event.InstanceID,
		constants.FieldWorkflowKey: event.Key,
	})
	logger.Info("Processing terminate.")

	o.Registry.CancelInstance(event.InstanceID, "instance is terminating")

	o.Leases.Start(event, o.leaseTTL(ctx, event))
	defer o.Leases.Stop(event.Key)

	err := o.runStage(unit, StageRevoking, func() error {
		applied, err := o.Publisher.Remove(ctx, o.Domain, unit.Record.Generation)
		if err != nil {
			return trace.Wrap(err)
		}
		if !applied {
			logger.Info("Record is owned by a newer workflow, nothing to revoke.")
		}
		return nil
	})
	if err != nil {
		logger.Warnf("DNS cleanup failed, proceeding with termination: %v.",
			trace.DebugReport(err))
	}

	err = o.runStage(unit, StageCompleting, func() error {
		return trace.Wrap(o.deliverVerdict(ctx, event, constants.LifecycleActionContinue))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := unit.Complete(StageDone, constants.LifecycleActionContinue, ""); err != nil {
		return nil, trace.Wrap(err)
	}
	logger.Info("Terminate complete.")
	return &Result{Verdict: constants.LifecycleActionContinue}, nil
}

// runStage runs fn as the body of the given stage. Stages the record
// already moved past are skipped so a resumed workflow does not repeat
// them. The stage the record is currently at is re-run: its side effect
// may not have happened before the previous attempt stopped, and every
// stage body tolerates repetition.
func (o *Orchestrator) runStage(unit *Unit, stage Stage, fn func() error) error {
	current := stageRank(unit.Record.Transition, unit.Record.Stage)
	target := stageRank(unit.Record.Transition, stage)
	if current > target {
		o.WithField(constants.FieldWorkflowKey, unit.Record.Key).Debugf(
			"Stage %v already completed, skipping.", stage)
		return nil
	}
	if current < target {
		if err := unit.Transition(stage); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(fn())
}

// configure pushes the proxy configuration script to the instance,
// retrying transient failures a bounded number of times
func (o *Orchestrator) configure(ctx context.Context, event *events.LifecycleEvent) error {
	commands, err := proxy.ConfigureCommands(o.Profile)
	if err != nil {
		return trace.Wrap(err)
	}
	logger := o.WithField(constants.FieldInstanceID, event.InstanceID)
	err = utils.Retry(o.RetryInterval, o.ConfigureAttempts, func() error {
		if err := ctx.Err(); err != nil {
			return utils.Abort(trace.Wrap(err))
		}
		stepCtx, cancel, err := o.Leases.StepContext(ctx, event.Key)
		if err != nil {
			return utils.Abort(trace.Wrap(err))
		}
		defer cancel()
		invocation, err := o.Dispatcher.Invoke(stepCtx, command.InvokeRequest{
			InstanceID: event.InstanceID,
			Commands:   commands,
		})
		if err != nil {
			if command.IsInstanceUnreachable(err) {
				return utils.Abort(trace.Wrap(err))
			}
			return trace.Wrap(err)
		}
		if invocation.Status != command.StatusSuccess {
			logger.WithField(constants.FieldCommandID, invocation.ID).Warnf(
				"Configuration command finished with %v: %v.",
				invocation.Status, invocation.ErrorOutput)
			return trace.BadParameter("configuration command %v finished with %v",
				invocation.ID, invocation.Status)
		}
		logger.WithField(constants.FieldCommandID, invocation.ID).Info("Instance configured.")
		return nil
	})
	return trace.Wrap(err)
}

// publish points the public proxy name at the instance. A write that
// lost to a newer generation is not an error: whoever owns the record
// now is responsible for it.
func (o *Orchestrator) publish(ctx context.Context, unit *Unit, event *events.LifecycleEvent) error {
	target, err := o.Dispatcher.PublicDNSName(ctx, event.InstanceID)
	if err != nil {
		return trace.Wrap(err)
	}
	applied, err := o.Publisher.Upsert(ctx, dns.Record{
		Name:   o.Domain,
		Target: target,
	}, unit.Record.Generation)
	if err != nil {
		return trace.Wrap(err)
	}
	if !applied {
		o.WithFields(log.Fields{
			constants.FieldDomain:     o.Domain,
			constants.FieldGeneration: unit.Record.Generation,
		}).Info("Skipped stale publication, a newer write owns the record.")
	}
	return nil
}

// deliverVerdict resolves the lifecycle action at the scaling group. An
// action that is no longer active is not an error: the token was either
// consumed by a previous delivery or timed out, nothing is left to decide.
func (o *Orchestrator) deliverVerdict(ctx context.Context, event *events.LifecycleEvent, verdict string) error {
	err := o.Scaler.Complete(ctx, event, verdict)
	if err == nil {
		o.WithFields(log.Fields{
			constants.FieldWorkflowKey: event.Key,
			constants.FieldVerdict:     verdict,
		}).Info("Delivered verdict.")
		return nil
	}
	if trace.IsNotFound(err) {
		o.Warnf("Lifecycle action for %v is no longer active: %v.",
			event.Key, trace.UserMessage(err))
		return nil
	}
	return trace.Wrap(err)
}

// resendVerdict repeats the recorded verdict for a redelivered event
func (o *Orchestrator) resendVerdict(ctx context.Context, event *events.LifecycleEvent, record Record) {
	if record.Verdict == "" {
		return
	}
	if err := o.deliverVerdict(ctx, event, record.Verdict); err != nil {
		o.Warnf("Failed to repeat verdict for %v: %v.",
			event.Key, trace.DebugReport(err))
	}
}

// abandon delivers the ABANDON verdict and records the terminal outcome.
// Verdict delivery is best effort: if it fails, the action times out at
// the scaling group and resolves to the hook's default result.
func (o *Orchestrator) abandon(ctx context.Context, unit *Unit, event *events.LifecycleEvent, reason string) (*Result, error) {
	o.WithFields(log.Fields{
		constants.FieldWorkflowKey: event.Key,
		constants.FieldInstanceID:  event.InstanceID,
	}).Warnf("Abandoning workflow: %v.", reason)
	if err := o.deliverVerdict(ctx, event, constants.LifecycleActionAbandon); err != nil {
		o.Warnf("Failed to deliver verdict for %v: %v.",
			event.Key, trace.DebugReport(err))
	}
	if err := unit.Complete(StageAbandoned, constants.LifecycleActionAbandon, reason); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Result{
		Verdict: constants.LifecycleActionAbandon,
		Reason:  reason,
	}, nil
}

// failLaunch maps a failed launch stage to the workflow outcome. An
// unreachable instance and a superseded workflow are abandoned; an
// external cancellation, such as a daemon shutdown, leaves the record
// at its current stage with no verdict so a redelivery can resume it.
func (o *Orchestrator) failLaunch(ctx context.Context, unit *Unit, event *events.LifecycleEvent, err error, unreachableReason string) (*Result, error) {
	if command.IsInstanceUnreachable(err) && unreachableReason != "" {
		return o.abandon(ctx, unit, event, unreachableReason)
	}
	if isCancelled(err) && !unit.Cancelled() {
		return nil, trace.Wrap(err)
	}
	return o.abandon(ctx, unit, event, o.abandonReason(unit, err))
}

// abandonReason renders the reason recorded for an abandoned workflow
func (o *Orchestrator) abandonReason(unit *Unit, err error) string {
	switch {
	case lease.IsExtensionDenied(err):
		return "lease extension denied by the scaling group"
	case isCancelled(err):
		if reason := unit.CancelReason(); reason != "" {
			return reason
		}
		return "workflow cancelled"
	}
	return trace.UserMessage(err)
}

// leaseTTL returns the lease duration for the event's lifecycle hook,
// falling back to the configured default if the hook cannot be queried
func (o *Orchestrator) leaseTTL(ctx context.Context, event *events.LifecycleEvent) time.Duration {
	timeout, err := o.Scaler.HeartbeatTimeout(ctx, event.GroupName, event.HookName)
	if err != nil {
		o.Warnf("Failed to query hook timeout for %v, using default %v: %v.",
			event.GroupName, o.LeaseTTL, trace.UserMessage(err))
		return o.LeaseTTL
	}
	return timeout
}

func isCancelled(err error) bool {
	switch trace.Unwrap(err) {
	case context.Canceled, context.DeadlineExceeded:
		return true
	}
	return false
}
