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

// package lifecycle drives a scaling group lifecycle event through its
// workflow: a launch is validated, configured and published before the
// scaling group is told to proceed, a terminate retires the published
// name. Workflow state is persisted per idempotency key so duplicate
// deliveries replay the recorded outcome instead of repeating side
// effects.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/pylonhq/pylon/lib/events"
)

// Stage is a point on a workflow's path from receipt to verdict
type Stage string

const (
	// StageReceived marks a freshly recorded workflow with no side
	// effects taken yet
	StageReceived Stage = "received"
	// StageValidating marks the instance health probe of a launch
	StageValidating Stage = "validating"
	// StageConfiguring marks the remote proxy configuration of a launch
	StageConfiguring Stage = "configuring"
	// StagePublishing marks the DNS publication of a launch
	StagePublishing Stage = "publishing"
	// StageRevoking marks the DNS retirement of a terminate
	StageRevoking Stage = "revoking"
	// StageCompleting marks the verdict delivery to the scaling group
	StageCompleting Stage = "completing"
	// StageDone marks a workflow that completed with a CONTINUE verdict
	StageDone Stage = "done"
	// StageAbandoned marks a workflow that completed with an ABANDON verdict
	StageAbandoned Stage = "abandoned"
)

// launchPath lists the intermediate stages of a launch workflow in order
var launchPath = []Stage{
	StageReceived,
	StageValidating,
	StageConfiguring,
	StagePublishing,
	StageCompleting,
}

// terminatePath lists the intermediate stages of a terminate workflow in order
var terminatePath = []Stage{
	StageReceived,
	StageRevoking,
	StageCompleting,
}

// IsTerminal returns true if the stage is a final workflow outcome
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageAbandoned
}

// stageRank returns the position of stage on the path walked by the
// specified transition. Terminal stages rank above every intermediate
// stage, unknown stages rank below all of them.
func stageRank(transition events.Transition, stage Stage) int {
	path := launchPath
	if transition == events.TransitionTerminate {
		path = terminatePath
	}
	if stage.IsTerminal() {
		return len(path)
	}
	for i, s := range path {
		if s == stage {
			return i
		}
	}
	return -1
}

// Record tracks the progress of one lifecycle workflow. A record is
// created on first receipt of an idempotency key, mutated only through
// compare-and-set stage transitions and kept after the terminal stage so
// redeliveries can replay the verdict.
type Record struct {
	// Key is the idempotency key of the underlying lifecycle event
	Key string `json:"key"`
	// InstanceID is the EC2 instance the workflow is about
	InstanceID string `json:"instance_id"`
	// Transition is the lifecycle transition driving the workflow
	Transition events.Transition `json:"transition"`
	// GroupName is the scaling group that posted the event
	GroupName string `json:"group_name"`
	// Stage is the most recently entered workflow stage
	Stage Stage `json:"stage"`
	// Generation orders this workflow's DNS writes against other
	// workflows publishing the same name. Assigned once, when the
	// record is created.
	Generation int64 `json:"generation"`
	// Created is when the record was first persisted
	Created time.Time `json:"created"`
	// Updated is when the record last changed stage
	Updated time.Time `json:"updated"`
	// Completed is when the workflow reached its terminal stage
	Completed *time.Time `json:"completed,omitempty"`
	// Verdict is the lifecycle action result delivered to the scaling
	// group, set at the terminal stage
	Verdict string `json:"verdict,omitempty"`
	// Reason explains an abandoned workflow
	Reason string `json:"reason,omitempty"`
}

// IsTerminal returns true if the workflow has reached a final outcome
func (r Record) IsTerminal() bool {
	return r.Stage.IsTerminal()
}

// String returns a log friendly description of this record
func (r Record) String() string {
	return fmt.Sprintf("workflow(%v, %v %v, stage=%v)",
		r.Key, r.Transition, r.InstanceID, r.Stage)
}
