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

package defaults

import (
	"os"
	"time"
)

const (
	// LeaseTTL is the initial lifecycle lease duration granted by the
	// scaler's hook. Matches the heartbeat timeout configured on the
	// lifecycle hooks in terraform.
	LeaseTTL = 900 * time.Second

	// LeaseHeartbeatIncrement is how much a single heartbeat extends
	// the lease deadline
	LeaseHeartbeatIncrement = 900 * time.Second

	// LeaseSafetyMargin is the fraction of the original lease TTL that
	// must remain before a blocking step may start without extending
	// the lease first
	LeaseSafetyMargin = 0.2

	// LeaseMaxExtensions caps heartbeat extensions per workflow. The
	// scaler enforces a global lifecycle timeout of 48 hours regardless
	// of heartbeats, so extending past that is futile.
	LeaseMaxExtensions = 96

	// LeaseExtendTimeout bounds retries of a single lease extension.
	// Must stay well under the lease safety margin or the lease can
	// expire while its extension is still being retried.
	LeaseExtendTimeout = time.Minute

	// CommandTimeout is the maximum time to wait for a remote proxy
	// configuration command to reach a terminal state. The script
	// installs packages and renders configs, so it runs for minutes.
	CommandTimeout = 10 * time.Minute

	// ProbeTimeout is the maximum time to wait for the instance health
	// probe during validation. The agent on a launching instance may
	// take a while to register.
	ProbeTimeout = 2 * time.Minute

	// CommandPollInterval is the initial delay between remote command
	// status polls
	CommandPollInterval = 2 * time.Second

	// CommandPollMaxInterval caps the delay between remote command
	// status polls
	CommandPollMaxInterval = 15 * time.Second

	// ExponentialRetryMaxDelay is the maximum delay between retry attempts
	ExponentialRetryMaxDelay = 30 * time.Second

	// RetryInterval is the default retry interval between attempts
	RetryInterval = 5 * time.Second

	// ConfigureAttempts is the number of attempts to push the proxy
	// configuration before the launch workflow is abandoned
	ConfigureAttempts = 3

	// PublishAttempts is the number of attempts to apply a DNS change
	// batch before giving up; absorbs Route 53 throttling
	PublishAttempts = 5

	// DNSRecordTTL is the TTL of the published proxy record, seconds
	DNSRecordTTL = 300

	// DNSRegistryPrefix prefixes the TXT record that tracks the
	// generation of a published name
	DNSRegistryPrefix = "_pylon"

	// QueueWaitSeconds is the long poll duration for event intake
	QueueWaitSeconds = 5

	// QueueVisibilityTimeout hides an in-flight message from other
	// consumers, seconds
	QueueVisibilityTimeout = 30

	// QueueMaxMessages is the intake batch size
	QueueMaxMessages = 10

	// ProxyDocument is the remote command document used to configure
	// the reverse proxy host
	ProxyDocument = "AWS-RunShellScript"

	// RecordRetention is how long terminal workflow records are kept
	// for duplicate-delivery replay before garbage collection
	RecordRetention = 72 * time.Hour

	// RecordGCInterval is how often terminal workflow records are
	// swept for expiration
	RecordGCInterval = time.Hour

	// DBOpenTimeout is the maximum time to wait on the state database
	// file lock
	DBOpenTimeout = 5 * time.Second

	// DBFileName is the name of the state database file under the
	// state directory
	DBFileName = "pylon.db"

	// StateDir is the default local state directory
	StateDir = "/var/lib/pylon"

	// HTTPListenAddr is the default health/metrics listen address
	HTTPListenAddr = "127.0.0.1:9803"

	// LogFile is the default file log destination
	LogFile = "/var/log/pylon.log"

	// ShutdownTimeout bounds the graceful drain of in-flight workflows
	// on daemon shutdown
	ShutdownTimeout = time.Minute

	// SharedReadMask is the file mask for shared read logs
	SharedReadMask os.FileMode = 0644

	// PrivateFileMask is the file mask for private files such as the
	// state database
	PrivateFileMask os.FileMode = 0600

	// PrivateDirMask is the file mask for private directories such as
	// the state directory
	PrivateDirMask os.FileMode = 0700
)
