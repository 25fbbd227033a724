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
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pylonhq/pylon/lib/constants"
	"github.com/pylonhq/pylon/lib/defaults"
	"github.com/pylonhq/pylon/lib/events"

	"github.com/boltdb/bolt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// workflowsBucket holds one JSON-encoded Record per idempotency key
var workflowsBucket = []byte("workflows")

// RegistryConfig is the workflow registry configuration
type RegistryConfig struct {
	// Path is the path to the state database file
	Path string
	// Clock timestamps records, swapped for a fake in tests
	Clock clockwork.Clock
	// Timeout is the maximum time to wait on the database file lock
	Timeout time.Duration
	// Retention is how long terminal records are kept for replay
	// before Reap removes them
	Retention time.Duration
}

// CheckAndSetDefaults checks and sets default values
func (cfg *RegistryConfig) CheckAndSetDefaults() error {
	if cfg.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.DBOpenTimeout
	}
	if cfg.Retention == 0 {
		cfg.Retention = defaults.RecordRetention
	}
	return nil
}

// Registry persists workflow records and hands out exclusive units of
// work over them. At most one unit exists per idempotency key at a time;
// a unit for a key that is already being worked waits for the holder to
// finish and then sees whatever the holder recorded.
type Registry struct {
	// RegistryConfig is the registry configuration
	RegistryConfig
	*log.Entry

	db *bolt.DB

	mu       sync.Mutex
	inflight map[string]*Unit
	closed   bool
}

// NewRegistry opens the workflow registry backed by the database file
// at cfg.Path
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := bolt.Open(cfg.Path, defaults.PrivateFileMask, &bolt.Options{
		Timeout: cfg.Timeout,
	})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, trace.ConnectionProblem(err,
				"database %v is locked, is another instance running?", cfg.Path)
		}
		return nil, trace.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(workflowsBucket)
		return trace.Wrap(err)
	})
	if err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &Registry{
		RegistryConfig: cfg,
		Entry: log.WithFields(log.Fields{
			trace.Component: constants.ComponentLifecycle,
		}),
		db:       db,
		inflight: make(map[string]*Unit),
	}, nil
}

// Close closes the registry and its database
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return trace.AlreadyExists("database %v is already closed", r.Path)
	}
	r.closed = true
	r.Debugf("Closing database at %v.", r.Path)
	return trace.Wrap(r.db.Close())
}

// Unit is an exclusive claim on one workflow record. Record is owned by
// the claiming goroutine and must not be touched by anyone else.
type Unit struct {
	// Record is the record as of the last transition
	Record Record

	registry *Registry
	// identity fields are immutable after creation and safe to read
	// while another goroutine mutates Record
	key        string
	instanceID string
	transition events.Transition

	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	cancelReason string
	released     bool
}

// Context returns the unit's context. The context is cancelled when the
// workflow is cancelled from outside, see CancelInstance.
func (u *Unit) Context() context.Context {
	return u.ctx
}

// CancelReason returns the reason the unit was cancelled, if any
func (u *Unit) CancelReason() string {
	u.registry.mu.Lock()
	defer u.registry.mu.Unlock()
	return u.cancelReason
}

// Cancelled returns true if the unit itself was cancelled through
// CancelInstance, as opposed to its parent context expiring
func (u *Unit) Cancelled() bool {
	u.registry.mu.Lock()
	defer u.registry.mu.Unlock()
	return u.cancelReason != ""
}

// Transition advances the record to the given stage. The write is
// compare-and-set against the stage the unit last observed and fails
// with trace.CompareFailed if the stored record moved underneath it.
func (u *Unit) Transition(stage Stage) error {
	record := u.Record
	record.Stage = stage
	record.Updated = u.registry.Clock.Now().UTC()
	if err := u.registry.updateRecord(record, u.Record.Stage); err != nil {
		return trace.Wrap(err)
	}
	u.registry.WithFields(log.Fields{
		constants.FieldWorkflowKey: record.Key,
		constants.FieldStage:       stage,
	}).Debug("Transitioned.")
	u.Record = record
	transitionsTotal.WithLabelValues(string(record.Transition), string(stage)).Inc()
	return nil
}

// Complete records the terminal outcome of the workflow and releases the
// claim, waking up any units waiting on the same key
func (u *Unit) Complete(stage Stage, verdict, reason string) error {
	if !stage.IsTerminal() {
		return trace.BadParameter("stage %v is not terminal", stage)
	}
	now := u.registry.Clock.Now().UTC()
	record := u.Record
	record.Stage = stage
	record.Verdict = verdict
	record.Reason = reason
	record.Updated = now
	record.Completed = &now
	if err := u.registry.updateRecord(record, u.Record.Stage); err != nil {
		return trace.Wrap(err)
	}
	u.Record = record
	workflowsTotal.WithLabelValues(string(record.Transition), verdict).Inc()
	u.registry.release(u)
	return nil
}

// Release releases the claim without completing the workflow. The record
// keeps its stage so a redelivery resumes where this unit stopped.
// Safe to call more than once and after Complete.
func (u *Unit) Release() {
	u.registry.release(u)
}

// Begin claims the unit of work for the event's idempotency key. If
// another unit currently holds the key, Begin blocks until that unit is
// released or ctx expires. The returned unit carries the freshest
// persisted record: stage received for a new key, the recorded stage for
// a key recovered after a crash, or a terminal record for a duplicate
// delivery of a finished workflow.
func (r *Registry) Begin(ctx context.Context, event *events.LifecycleEvent) (*Unit, error) {
	for {
		r.mu.Lock()
		holder := r.inflight[event.Key]
		if holder == nil {
			unit, err := r.claim(ctx, event)
			r.mu.Unlock()
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return unit, nil
		}
		r.mu.Unlock()
		r.Debugf("Waiting for in-flight workflow %v.", event.Key)
		select {
		case <-holder.done:
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}
	}
}

// claim loads or creates the record for the event and registers the
// in-flight unit. r.mu must be held.
func (r *Registry) claim(ctx context.Context, event *events.LifecycleEvent) (*Unit, error) {
	record, err := r.Get(event.Key)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if record == nil {
		now := r.Clock.Now().UTC()
		record = &Record{
			Key:        event.Key,
			InstanceID: event.InstanceID,
			Transition: event.Transition,
			GroupName:  event.GroupName,
			Stage:      StageReceived,
			Generation: now.UnixNano(),
			Created:    now,
			Updated:    now,
		}
		if err := r.createRecord(*record); err != nil {
			return nil, trace.Wrap(err)
		}
		r.Debugf("Created %v.", record)
	}
	unitCtx, cancel := context.WithCancel(ctx)
	unit := &Unit{
		Record:     *record,
		registry:   r,
		key:        event.Key,
		instanceID: event.InstanceID,
		transition: event.Transition,
		ctx:        unitCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	r.inflight[event.Key] = unit
	inflightUnits.Inc()
	return unit, nil
}

func (r *Registry) release(u *Unit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.released {
		return
	}
	u.released = true
	delete(r.inflight, u.key)
	u.cancel()
	close(u.done)
	inflightUnits.Dec()
}

// CancelInstance cancels the contexts of all in-flight launch units for
// the instance and returns how many were cancelled. The units observe
// the cancellation at their next blocking step and abandon their
// workflows with the given reason.
func (r *Registry) CancelInstance(instanceID, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var cancelled int
	for _, unit := range r.inflight {
		if unit.instanceID != instanceID || unit.transition != events.TransitionLaunch {
			continue
		}
		if unit.cancelReason == "" {
			unit.cancelReason = reason
		}
		unit.cancel()
		cancelled++
	}
	if cancelled != 0 {
		r.WithField(constants.FieldInstanceID, instanceID).Infof(
			"Cancelled %v in-flight launch workflow(s).", cancelled)
	}
	return cancelled
}

// Get returns the record stored for the key
func (r *Registry) Get(key string) (*Record, error) {
	var record *Record
	err := r.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(workflowsBucket)
		if bkt == nil {
			return trace.NotFound("bucket %q not found", workflowsBucket)
		}
		data := bkt.Get([]byte(key))
		if data == nil {
			return trace.NotFound("workflow %v not found", key)
		}
		record = &Record{}
		return trace.Wrap(json.Unmarshal(data, record))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// List returns all stored records ordered by creation time
func (r *Registry) List() ([]Record, error) {
	var records []Record
	err := r.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(workflowsBucket)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(key, data []byte) error {
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return trace.Wrap(err, "failed to decode workflow %q", string(key))
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Created.Before(records[j].Created)
	})
	return records, nil
}

// Count returns the number of stored workflow records
func (r *Registry) Count() (int, error) {
	var count int
	err := r.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(workflowsBucket)
		if bkt == nil {
			return nil
		}
		count = bkt.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return count, nil
}

// Reap removes terminal records that completed longer than the retention
// period ago. Records with an in-flight unit are left alone.
func (r *Registry) Reap() error {
	cutoff := r.Clock.Now().UTC().Add(-r.Retention)
	busy := r.inflightKeys()
	var removed int
	err := r.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(workflowsBucket)
		if bkt == nil {
			return nil
		}
		var expired [][]byte
		err := bkt.ForEach(func(key, data []byte) error {
			if _, ok := busy[string(key)]; ok {
				return nil
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				r.Warnf("Removing undecodable workflow record %q: %v.", string(key), err)
				expired = append(expired, append([]byte{}, key...))
				return nil
			}
			if record.IsTerminal() && record.Completed != nil && record.Completed.Before(cutoff) {
				expired = append(expired, append([]byte{}, key...))
			}
			return nil
		})
		if err != nil {
			return trace.Wrap(err)
		}
		for _, key := range expired {
			if err := bkt.Delete(key); err != nil {
				return trace.Wrap(err)
			}
		}
		removed = len(expired)
		return nil
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if removed != 0 {
		r.Infof("Removed %v expired workflow record(s).", removed)
	}
	return nil
}

func (r *Registry) inflightKeys() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make(map[string]struct{}, len(r.inflight))
	for key := range r.inflight {
		keys[key] = struct{}{}
	}
	return keys
}

// createRecord persists a new record, failing if the key is already taken
func (r *Registry) createRecord(record Record) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(workflowsBucket)
		if bkt == nil {
			return trace.NotFound("bucket %q not found", workflowsBucket)
		}
		if bkt.Get([]byte(record.Key)) != nil {
			return trace.AlreadyExists("workflow %v already exists", record.Key)
		}
		data, err := json.Marshal(record)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(bkt.Put([]byte(record.Key), data))
	})
}

// updateRecord overwrites the stored record after verifying it is still
// at the expected stage
func (r *Registry) updateRecord(record Record, expect Stage) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(workflowsBucket)
		if bkt == nil {
			return trace.NotFound("bucket %q not found", workflowsBucket)
		}
		data := bkt.Get([]byte(record.Key))
		if data == nil {
			return trace.NotFound("workflow %v not found", record.Key)
		}
		var stored Record
		if err := json.Unmarshal(data, &stored); err != nil {
			return trace.Wrap(err)
		}
		if stored.Stage != expect {
			return trace.CompareFailed("workflow %v is at stage %q, expected %q",
				record.Key, stored.Stage, expect)
		}
		encoded, err := json.Marshal(record)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(bkt.Put([]byte(record.Key), encoded))
	})
}
