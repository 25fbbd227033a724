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

// RegisterCommands registers all pylon tool flags, arguments and subcommands
func RegisterCommands(app *kingpin.Application) Application {
	pylon := Application{
		Application: app,
	}

	pylon.Debug = app.Flag("debug", "Enable debug mode.").Bool()
	pylon.ConfigFile = app.Flag("config", "Path to the YAML configuration file. Environment variables override file values.").Short('c').String()
	pylon.StateDir = app.Flag("state-dir", "Directory with the local workflow database. Defaults to /var/lib/pylon.").String()

	pylon.VersionCmd.CmdClause = app.Command("version", "Print version information and exit.")
	pylon.VersionCmd.Output = pylon.VersionCmd.Flag("output", "Output format: text or json.").Short('o').Default("text").Enum("text", "json")

	pylon.DaemonCmd.CmdClause = app.Command("daemon", "Run the lifecycle service in the foreground.")

	pylon.StatusCmd.CmdClause = app.Command("status", "List lifecycle workflow records.")
	pylon.StatusCmd.All = pylon.StatusCmd.Flag("all", "Include completed workflows.").Bool()

	pylon.AssociationCmd.CmdClause = app.Command("association", "Manage the certificate association of the proxy instance role.")

	pylon.AssociationEnsureCmd.CmdClause = pylon.AssociationCmd.Command("ensure", "Associate the certificate with the instance role and install the permission policy.")

	pylon.AssociationReconcileCmd.CmdClause = pylon.AssociationCmd.Command("reconcile", "Converge the association if it drifted from the expected state.")

	pylon.AssociationRemoveCmd.CmdClause = pylon.AssociationCmd.Command("remove", "Disassociate the certificate and empty the permission policy.")
	pylon.AssociationRemoveCmd.Confirm = pylon.AssociationRemoveCmd.Flag("confirm", "Suppress the confirmation prompt.").Bool()

	pylon.DNSCmd.CmdClause = app.Command("dns", "Manage the published proxy record directly.")

	pylon.DNSPublishCmd.CmdClause = pylon.DNSCmd.Command("publish", "Publish the proxy record at a fresh generation, superseding the current one.")
	pylon.DNSPublishCmd.Target = pylon.DNSPublishCmd.Arg("target", "Record target, the public DNS name of the proxy instance.").Required().String()
	pylon.DNSPublishCmd.TTL = pylon.DNSPublishCmd.Flag("ttl", "Record TTL in seconds.").Int64()

	pylon.DNSRemoveCmd.CmdClause = pylon.DNSCmd.Command("remove", "Remove the proxy record.")
	pylon.DNSRemoveCmd.Confirm = pylon.DNSRemoveCmd.Flag("confirm", "Suppress the confirmation prompt.").Bool()

	return pylon
}
