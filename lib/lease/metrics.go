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

package lease

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	leasesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pylon_leases_active",
			Help: "Number of lifecycle leases currently tracked",
		},
	)

	leaseExtensionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pylon_lease_extensions_total",
			Help: "Total number of lease extensions granted by the scaling group",
		},
	)

	leaseDenialsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pylon_lease_denials_total",
			Help: "Total number of lease extensions denied or exhausted",
		},
	)
)
