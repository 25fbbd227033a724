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

package cli

import (
	"gopkg.in/alecthomas/kingpin.v2"
)

// Application represents the command-line "pylon" application and contains
// definitions of all its flags, arguments and subcommands
type Application struct {
	*kingpin.Application
	// Debug allows to run the command in debug mode
	Debug *bool
	// ConfigFile is the path to the YAML configuration file
	ConfigFile *string
	// StateDir overrides the local state directory
	StateDir *string
	// VersionCmd outputs the binary version
	VersionCmd VersionCmd
	// DaemonCmd runs the lifecycle service
	DaemonCmd DaemonCmd
	// StatusCmd lists lifecycle workflow records
	StatusCmd StatusCmd
	// AssociationCmd groups the certificate association subcommands
	AssociationCmd AssociationCmd
	// AssociationEnsureCmd installs the certificate association
	AssociationEnsureCmd AssociationEnsureCmd
	// AssociationReconcileCmd converges a drifted association
	AssociationReconcileCmd AssociationReconcileCmd
	// AssociationRemoveCmd tears the association down
	AssociationRemoveCmd AssociationRemoveCmd
	// DNSCmd groups the DNS record subcommands
	DNSCmd DNSCmd
	// DNSPublishCmd force-publishes the proxy record
	DNSPublishCmd DNSPublishCmd
	// DNSRemoveCmd removes the proxy record
	DNSRemoveCmd DNSRemoveCmd
}

// VersionCmd displays the binary version
type VersionCmd struct {
	*kingpin.CmdClause
	// Output is the output format, text or json
	Output *string
}

// DaemonCmd runs the lifecycle service in the foreground
type DaemonCmd struct {
	*kingpin.CmdClause
}

// StatusCmd lists lifecycle workflow records
type StatusCmd struct {
	*kingpin.CmdClause
	// All includes completed workflows in the listing
	All *bool
}

// AssociationCmd groups the certificate association subcommands
type AssociationCmd struct {
	*kingpin.CmdClause
}

// AssociationEnsureCmd associates the certificate with the instance role
// and installs the permission policy
type AssociationEnsureCmd struct {
	*kingpin.CmdClause
}

// AssociationReconcileCmd converges the association if it drifted
type AssociationReconcileCmd struct {
	*kingpin.CmdClause
}

// AssociationRemoveCmd disassociates the certificate and empties the
// permission policy
type AssociationRemoveCmd struct {
	*kingpin.CmdClause
	// Confirm suppresses the confirmation prompt
	Confirm *bool
}

// DNSCmd groups the DNS record subcommands
type DNSCmd struct {
	*kingpin.CmdClause
}

// DNSPublishCmd force-publishes the proxy record at a fresh generation
type DNSPublishCmd struct {
	*kingpin.CmdClause
	// Target is the record target, the public name of the proxy instance
	Target *string
	// TTL is the record TTL in seconds
	TTL *int64
}

// DNSRemoveCmd removes the proxy record
type DNSRemoveCmd struct {
	*kingpin.CmdClause
	// Confirm suppresses the confirmation prompt
	Confirm *bool
}
