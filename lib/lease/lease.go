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

// package lease tracks the deadline of each in-flight lifecycle action and
// buys more time from the scaling group before the deadline runs out.
// A workflow holds one lease, keyed by its idempotency key; blocking steps
// start only while the lease has time left.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/pylonhq/pylon/lib/constants"
	"github.com/pylonhq/pylon/lib/defaults"
	"github.com/pylonhq/pylon/lib/events"
	"github.com/pylonhq/pylon/lib/utils"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Extender requests more time for a lifecycle action from the scaling group
type Extender interface {
	// Heartbeat extends the lifecycle action behind the event by the
	// hook's heartbeat timeout
	Heartbeat(context.Context, *events.LifecycleEvent) error
}

// Config is the lease manager configuration
type Config struct {
	// Extender delivers heartbeats to the scaling group
	Extender Extender
	// Clock tracks lease deadlines, swapped for a fake in tests
	Clock clockwork.Clock
	// HeartbeatIncrement is the deadline extension granted by one heartbeat
	HeartbeatIncrement time.Duration
	// SafetyMargin is the fraction of the original TTL below which the
	// lease is extended before another blocking step starts
	SafetyMargin float64
	// MaxExtensions caps heartbeats per lease
	MaxExtensions int
	// ExtendTimeout bounds retries of a single extension
	ExtendTimeout time.Duration
}

// CheckAndSetDefaults checks and sets default values
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.Extender == nil {
		return trace.BadParameter("missing parameter Extender")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HeartbeatIncrement == 0 {
		cfg.HeartbeatIncrement = defaults.LeaseHeartbeatIncrement
	}
	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = defaults.LeaseSafetyMargin
	}
	if cfg.MaxExtensions == 0 {
		cfg.MaxExtensions = defaults.LeaseMaxExtensions
	}
	if cfg.ExtendTimeout == 0 {
		cfg.ExtendTimeout = defaults.LeaseExtendTimeout
	}
	return nil
}

// Lease describes the state of a single lifecycle lease
type Lease struct {
	// Deadline is when the lifecycle action times out unless extended
	Deadline time.Time
	// TTL is the duration the lease was started with
	TTL time.Duration
	// ExtensionsUsed is the number of heartbeats sent for this lease
	ExtensionsUsed int
}

// Manager tracks leases for all in-flight workflows
type Manager struct {
	// Config is the manager configuration
	Config
	*log.Entry

	mu     sync.Mutex
	leases map[string]*lease
}

type lease struct {
	event      *events.LifecycleEvent
	ttl        time.Duration
	deadline   time.Time
	extensions int
}

func (l *lease) info() Lease {
	return Lease{
		Deadline:       l.deadline,
		TTL:            l.ttl,
		ExtensionsUsed: l.extensions,
	}
}

// New returns a new lease manager
func New(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		Config: cfg,
		Entry:  log.WithField(trace.Component, constants.ComponentLease),
		leases: make(map[string]*lease),
	}, nil
}

// Start begins tracking a lease for the specified event with
// deadline = now + ttl
func (m *Manager) Start(event *events.LifecycleEvent, ttl time.Duration) Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leases[event.Key]; ok {
		m.Warnf("Replacing existing lease for workflow %v.", event.Key)
	} else {
		leasesActive.Inc()
	}
	l := &lease{
		event:    event,
		ttl:      ttl,
		deadline: m.Clock.Now().Add(ttl),
	}
	m.leases[event.Key] = l
	return l.info()
}

// Get returns the lease tracked for the specified workflow key
func (m *Manager) Get(key string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	if !ok {
		return Lease{}, trace.NotFound("no lease for workflow %v", key)
	}
	return l.info(), nil
}

// Remaining returns the time left until the lease deadline
func (m *Manager) Remaining(key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	if !ok {
		return 0, trace.NotFound("no lease for workflow %v", key)
	}
	return l.deadline.Sub(m.Clock.Now()), nil
}

// Extend requests more time for the lifecycle action from the scaling
// group and moves the lease deadline accordingly. A denial is returned as
// trace.LimitExceeded and is fatal to the workflow; transient scaler
// errors are retried within ExtendTimeout.
func (m *Manager) Extend(ctx context.Context, key string) error {
	m.mu.Lock()
	l, ok := m.leases[key]
	if !ok {
		m.mu.Unlock()
		return trace.NotFound("no lease for workflow %v", key)
	}
	if l.extensions >= m.MaxExtensions {
		m.mu.Unlock()
		leaseDenialsTotal.Inc()
		return trace.LimitExceeded("lease for workflow %v exhausted all %v extensions",
			key, m.MaxExtensions)
	}
	event := l.event
	m.mu.Unlock()

	err := utils.RetryTransient(ctx, utils.NewExponentialBackOff(m.ExtendTimeout), func() error {
		return m.Extender.Heartbeat(ctx, event)
	})
	if err != nil {
		leaseDenialsTotal.Inc()
		return trace.LimitExceeded("lease extension for workflow %v denied: %v",
			key, trace.UserMessage(err))
	}

	m.mu.Lock()
	l.extensions++
	// a heartbeat restarts the hook countdown rather than stacking on
	// top of the previous deadline
	l.deadline = m.Clock.Now().Add(m.HeartbeatIncrement)
	extensions, deadline := l.extensions, l.deadline
	m.mu.Unlock()

	leaseExtensionsTotal.Inc()
	m.WithFields(log.Fields{
		constants.FieldWorkflowKey: key,
		"deadline":                 deadline,
		"extensions":               extensions,
	}).Info("Extended lease.")
	return nil
}

// Checkpoint ensures the lease has at least the safety margin of time left
// before a blocking step starts, extending it first if it does not.
// A failed extension is returned as trace.LimitExceeded and the caller
// must not start the step.
func (m *Manager) Checkpoint(ctx context.Context, key string) error {
	m.mu.Lock()
	l, ok := m.leases[key]
	if !ok {
		m.mu.Unlock()
		return trace.NotFound("no lease for workflow %v", key)
	}
	remaining := l.deadline.Sub(m.Clock.Now())
	margin := time.Duration(float64(l.ttl) * m.SafetyMargin)
	m.mu.Unlock()
	if remaining > margin {
		return nil
	}
	return trace.Wrap(m.Extend(ctx, key))
}

// StepContext derives a context that is cancelled when the lease deadline
// passes, so a workflow suspended in a blocking step wakes up instead of
// outliving its lease. The returned cancel must be called when the step
// completes. The deadline is captured at derivation time: derive a fresh
// context after extending the lease.
func (m *Manager) StepContext(ctx context.Context, key string) (context.Context, context.CancelFunc, error) {
	m.mu.Lock()
	l, ok := m.leases[key]
	if !ok {
		m.mu.Unlock()
		return nil, nil, trace.NotFound("no lease for workflow %v", key)
	}
	remaining := l.deadline.Sub(m.Clock.Now())
	m.mu.Unlock()
	if remaining <= 0 {
		return nil, nil, trace.LimitExceeded("lease for workflow %v already expired", key)
	}
	stepCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-m.Clock.After(remaining):
			cancel()
		case <-stepCtx.Done():
		}
	}()
	return stepCtx, cancel, nil
}

// Stop discards the lease for the specified workflow key.
// Stopping an unknown key is a no-op.
func (m *Manager) Stop(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leases[key]; ok {
		delete(m.leases, key)
		leasesActive.Dec()
	}
}

// IsExtensionDenied returns true if the specified error indicates the
// scaling group denied a lease extension
func IsExtensionDenied(err error) bool {
	return trace.IsLimitExceeded(err)
}
