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
	"fmt"
	"time"

	"github.com/pylonhq/pylon/lib/config"
	"github.com/pylonhq/pylon/lib/dns"
	"github.com/pylonhq/pylon/lib/utils"

	"github.com/aws/aws-sdk-go/service/route53"

	"github.com/gravitational/trace"
)

// dnsPublish force-publishes the proxy record. The write carries a fresh
// generation so it supersedes whatever workflow published last; a stale
// launch replayed afterwards still loses to it.
func dnsPublish(cfg config.Config, target string, ttl int64) error {
	publisher, name, err := newPublisher(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	record := dns.Record{
		Name:   name,
		Target: target,
		TTL:    ttl,
	}
	applied, err := publisher.Upsert(context.TODO(), record, time.Now().UTC().UnixNano())
	if err != nil {
		return trace.Wrap(err)
	}
	if !applied {
		return trace.CompareFailed("a newer write owns %v, not publishing", name)
	}
	fmt.Printf("Published %v -> %v.\n", name, target)
	return nil
}

// dnsRemove retires the proxy record at a fresh generation
func dnsRemove(cfg config.Config, confirmed bool) error {
	publisher, name, err := newPublisher(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	if !confirmed {
		if err := enforceConfirmation("remove the record for %v", name); err != nil {
			return trace.Wrap(err)
		}
	}
	applied, err := publisher.Remove(context.TODO(), name, time.Now().UTC().UnixNano())
	if err != nil {
		return trace.Wrap(err)
	}
	if !applied {
		return trace.CompareFailed("a newer write owns %v, not removing", name)
	}
	fmt.Printf("Removed %v.\n", name)
	return nil
}

func newPublisher(cfg config.Config) (*dns.Publisher, string, error) {
	if cfg.HostedZoneID == "" {
		return nil, "", trace.BadParameter("missing HostedZoneID")
	}
	if cfg.RootDomain == "" {
		return nil, "", trace.BadParameter("missing RootDomain")
	}
	session, err := utils.AWSSession(cfg.Region)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	publisher, err := dns.New(dns.Config{
		Service:      route53.New(session),
		HostedZoneID: cfg.HostedZoneID,
	})
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	return publisher, cfg.ProxyDomain(), nil
}
