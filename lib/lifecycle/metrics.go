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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pylon_workflows_total",
		Help: "Completed workflows by transition and verdict",
	}, []string{"transition", "verdict"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pylon_stage_transitions_total",
		Help: "Workflow stage transitions by transition and stage",
	}, []string{"transition", "stage"})

	inflightUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pylon_workflows_inflight",
		Help: "Workflows currently being worked",
	})
)
