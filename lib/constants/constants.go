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

// package constants contains global constants
// shared between packages
package constants

const (
	// ComponentService is the daemon assembly component
	ComponentService = "service"

	// ComponentLifecycle is the workflow orchestrator component
	ComponentLifecycle = "lifecycle"

	// ComponentCommand is the remote command dispatcher component
	ComponentCommand = "command"

	// ComponentDNS is the DNS publisher component
	ComponentDNS = "dns"

	// ComponentLease is the lease manager component
	ComponentLease = "lease"

	// ComponentCertAssoc is the certificate association actor component
	ComponentCertAssoc = "certassoc"

	// ComponentScaler is the auto scaling client component
	ComponentScaler = "scaler"

	// ComponentCLI is the command line tool component
	ComponentCLI = "cli"

	// LifecycleActionContinue tells the scaler to proceed with the
	// scaling action
	LifecycleActionContinue = "CONTINUE"
	// LifecycleActionAbandon tells the scaler to roll the scaling
	// action back
	LifecycleActionAbandon = "ABANDON"

	// FieldInstanceID is a logging field with the EC2 instance ID
	FieldInstanceID = "instance"
	// FieldGroup is a logging field with the auto scaling group name
	FieldGroup = "asg_name"
	// FieldWorkflowKey is a logging field with the workflow idempotency key
	FieldWorkflowKey = "workflow"
	// FieldStage is a logging field with the current workflow stage
	FieldStage = "stage"
	// FieldGeneration is a logging field with the DNS record generation
	FieldGeneration = "generation"
	// FieldDomain is a logging field with the published proxy domain
	FieldDomain = "domain"
	// FieldCommandID is a logging field with the remote command invocation ID
	FieldCommandID = "command_id"
	// FieldVerdict is a logging field with the lifecycle verdict
	FieldVerdict = "verdict"

	// RecordTypeCNAME is the DNS record type published for the proxy
	RecordTypeCNAME = "CNAME"
	// RecordTypeTXT is the DNS record type of the generation registry
	RecordTypeTXT = "TXT"
)
