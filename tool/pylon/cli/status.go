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
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/pylonhq/pylon/lib/config"
	"github.com/pylonhq/pylon/lib/defaults"
	"github.com/pylonhq/pylon/lib/lifecycle"
	"github.com/pylonhq/pylon/tool/common"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
)

// status prints the workflow records. The daemon's listing is preferred
// because the state database allows a single process: a direct open only
// works when the daemon is down.
func status(cfg config.Config, all bool) error {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaults.HTTPListenAddr
	}
	records, err := fetchRecords(cfg.ListenAddr)
	if err != nil {
		log.Debugf("Daemon is not serving on %v: %v.", cfg.ListenAddr, err)
		records, err = readRecords(cfg)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	printRecords(os.Stdout, records, all)
	return nil
}

// fetchRecords queries the running daemon for its workflow records
func fetchRecords(listenAddr string) ([]lifecycle.Record, error) {
	client, err := roundtrip.NewClient(fmt.Sprintf("http://%v", listenAddr), "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := client.Get(context.TODO(), client.Endpoint("workflows"), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var records []lifecycle.Record
	if err := json.Unmarshal(resp.Bytes(), &records); err != nil {
		return nil, trace.Wrap(err)
	}
	return records, nil
}

// readRecords opens the state database directly
func readRecords(cfg config.Config) ([]lifecycle.Record, error) {
	if cfg.StateDir == "" {
		cfg.StateDir = defaults.StateDir
	}
	registry, err := lifecycle.NewRegistry(lifecycle.RegistryConfig{
		Path: filepath.Join(cfg.StateDir, defaults.DBFileName),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer registry.Close()
	records, err := registry.List()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return records, nil
}

func printRecords(out io.Writer, records []lifecycle.Record, all bool) {
	w := new(tabwriter.Writer)
	w.Init(out, 0, 8, 1, '\t', 0)
	defer w.Flush()
	common.PrintTableHeader(w, []string{"Age", "Instance", "Transition", "Stage", "Verdict", "Reason"})
	for _, record := range records {
		if record.IsTerminal() && !all {
			continue
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\n",
			humanize.RelTime(record.Created, time.Now(), "ago", ""),
			record.InstanceID,
			record.Transition,
			record.Stage,
			record.Verdict,
			record.Reason)
	}
}
