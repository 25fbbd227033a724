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
	"os"

	"github.com/pylonhq/pylon/lib/config"
	"github.com/pylonhq/pylon/lib/constants"
	"github.com/pylonhq/pylon/lib/defaults"
	"github.com/pylonhq/pylon/lib/utils"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField(trace.Component, constants.ComponentCLI)

// Run parses CLI arguments and executes an appropriate pylon command
func Run(pylon Application) error {
	cmd, err := pylon.Parse(os.Args[1:])
	if err != nil {
		return trace.Wrap(err)
	}

	// version works without configuration
	if cmd == pylon.VersionCmd.FullCommand() {
		utils.InitCLILogging(logrus.WarnLevel)
		return printVersion(*pylon.VersionCmd.Output)
	}

	cfg, err := config.ReadConfig(*pylon.ConfigFile)
	if err != nil {
		return trace.Wrap(err)
	}
	if *pylon.StateDir != "" {
		cfg.StateDir = *pylon.StateDir
	}

	debug := *pylon.Debug || cfg.Debug
	trace.SetDebug(debug)
	switch cmd {
	case pylon.DaemonCmd.FullCommand():
		level := logrus.InfoLevel
		if debug {
			level = logrus.DebugLevel
		}
		utils.InitLogging(level, defaults.LogFile)
	default:
		level := logrus.WarnLevel
		if debug {
			level = logrus.DebugLevel
		}
		utils.InitCLILogging(level)
	}
	log.Debugf("Executing: %v.", os.Args)

	switch cmd {
	case pylon.DaemonCmd.FullCommand():
		return runDaemon(*cfg)
	case pylon.StatusCmd.FullCommand():
		return status(*cfg, *pylon.StatusCmd.All)
	case pylon.AssociationEnsureCmd.FullCommand():
		return associationEnsure(*cfg)
	case pylon.AssociationReconcileCmd.FullCommand():
		return associationReconcile(*cfg)
	case pylon.AssociationRemoveCmd.FullCommand():
		return associationRemove(*cfg, *pylon.AssociationRemoveCmd.Confirm)
	case pylon.DNSPublishCmd.FullCommand():
		return dnsPublish(*cfg, *pylon.DNSPublishCmd.Target, *pylon.DNSPublishCmd.TTL)
	case pylon.DNSRemoveCmd.FullCommand():
		return dnsRemove(*cfg, *pylon.DNSRemoveCmd.Confirm)
	}
	return trace.NotFound("unknown command %v", cmd)
}
