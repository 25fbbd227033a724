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
	"context"

	"github.com/pylonhq/pylon/lib/config"
	"github.com/pylonhq/pylon/lib/service"
	"github.com/pylonhq/pylon/lib/utils"

	"github.com/gravitational/trace"
)

// runDaemon assembles the lifecycle service and blocks until the process
// is asked to stop
func runDaemon(cfg config.Config) error {
	svc, err := service.NewFromConfig(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warnf("Failed to close the service: %v.", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	utils.WatchTerminationSignals(ctx, cancel, svc)

	return trace.Wrap(svc.Run(ctx))
}
