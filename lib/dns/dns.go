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

// package dns publishes the proxy name into a Route 53 hosted zone.
//
// Every published name is paired with a registry TXT record that carries the
// generation of the last accepted write. A write whose generation is not
// greater than the registered one is skipped: this is the only ordering
// guarantee between concurrent lifecycle workflows touching the same name,
// and because the registry lives next to the record itself it holds across
// process restarts. Removal keeps the registry record as a tombstone so a
// delayed launch cannot resurrect a name a newer terminate already retired.
package dns

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pylonhq/pylon/lib/constants"
	"github.com/pylonhq/pylon/lib/defaults"
	"github.com/pylonhq/pylon/lib/utils"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/cenkalti/backoff"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Route53 is an interface representing the AWS Route 53 service
type Route53 interface {
	ChangeResourceRecordSetsWithContext(aws.Context, *route53.ChangeResourceRecordSetsInput, ...request.Option) (*route53.ChangeResourceRecordSetsOutput, error)
	ListResourceRecordSetsWithContext(aws.Context, *route53.ListResourceRecordSetsInput, ...request.Option) (*route53.ListResourceRecordSetsOutput, error)
}

// Record describes a published record
type Record struct {
	// Name is the fully qualified record name without the trailing dot
	Name string `json:"name"`
	// Type is the record type, defaults to CNAME
	Type string `json:"type"`
	// Target is the record value
	Target string `json:"target"`
	// TTL is the record TTL in seconds
	TTL int64 `json:"ttl"`
}

// CheckAndSetDefaults checks this record and sets default values
func (r *Record) CheckAndSetDefaults() error {
	if r.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if r.Target == "" {
		return trace.BadParameter("missing parameter Target")
	}
	if r.Type == "" {
		r.Type = constants.RecordTypeCNAME
	}
	if r.TTL == 0 {
		r.TTL = defaults.DNSRecordTTL
	}
	return nil
}

// String returns a textual representation of this record
func (r Record) String() string {
	return fmt.Sprintf("record(%v %v -> %v)", r.Type, r.Name, r.Target)
}

// Config is the publisher configuration
type Config struct {
	// Service applies record changes
	Service Route53
	// HostedZoneID is the hosted zone to publish into
	HostedZoneID string
	// RegistryPrefix prefixes the generation registry records
	RegistryPrefix string
	// RetryInterval is the initial delay between change batch attempts
	RetryInterval time.Duration
}

// CheckAndSetDefaults checks and sets default values
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.Service == nil {
		return trace.BadParameter("missing parameter Service")
	}
	if cfg.HostedZoneID == "" {
		return trace.BadParameter("missing parameter HostedZoneID")
	}
	if cfg.RegistryPrefix == "" {
		cfg.RegistryPrefix = defaults.DNSRegistryPrefix
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}
	return nil
}

// Publisher manages the proxy record in the hosted zone
type Publisher struct {
	// Config is the publisher configuration
	Config
	*log.Entry
}

// New returns a new publisher
func New(cfg Config) (*Publisher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Publisher{
		Config: cfg,
		Entry:  log.WithField(trace.Component, constants.ComponentDNS),
	}, nil
}

// Upsert publishes the record unless a write with an equal or newer
// generation has already been accepted for its name. The record and the
// registry update travel in a single change batch so observers never see
// one without the other. Returns true if the record was written and false
// if the write was skipped as stale. Safe to call repeatedly with the
// same arguments.
func (p *Publisher) Upsert(ctx context.Context, record Record, generation int64) (bool, error) {
	if err := record.CheckAndSetDefaults(); err != nil {
		return false, trace.Wrap(err)
	}
	p.Debugf("Upsert(%v, generation=%v).", record, generation)
	current, err := p.generation(ctx, record.Name)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if generation <= current {
		p.WithFields(log.Fields{
			constants.FieldDomain:     record.Name,
			constants.FieldGeneration: generation,
		}).Infof("Skipping stale publish, generation %v already registered.", current)
		writesTotal.WithLabelValues("upsert", "stale").Inc()
		return false, nil
	}
	changes := []*route53.Change{
		newChange(route53.ChangeActionUpsert, record.Name, record.Type, record.Target, record.TTL),
		p.registryChange(record.Name, generation),
	}
	comment := fmt.Sprintf("publish %v at generation %v", record.Name, generation)
	if err := p.submit(ctx, changes, comment); err != nil {
		return false, trace.Wrap(err)
	}
	writesTotal.WithLabelValues("upsert", "applied").Inc()
	p.WithFields(log.Fields{
		constants.FieldDomain:     record.Name,
		constants.FieldGeneration: generation,
	}).Infof("Published %v.", record)
	return true, nil
}

// Remove retires the record unless a write with an equal or newer
// generation has already been accepted for the name. The registry record
// is advanced to the removal generation instead of being deleted: the
// tombstone is what rejects a delayed launch replayed after this
// terminate. Removing a name that is not published succeeds. Returns
// true if the removal was accepted and false if it was skipped as stale.
func (p *Publisher) Remove(ctx context.Context, name string, generation int64) (bool, error) {
	if name == "" {
		return false, trace.BadParameter("missing parameter name")
	}
	p.Debugf("Remove(%v, generation=%v).", name, generation)
	current, err := p.generation(ctx, name)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if generation <= current {
		p.WithFields(log.Fields{
			constants.FieldDomain:     name,
			constants.FieldGeneration: generation,
		}).Infof("Skipping stale removal, generation %v already registered.", current)
		writesTotal.WithLabelValues("remove", "stale").Inc()
		return false, nil
	}
	changes := []*route53.Change{
		p.registryChange(name, generation),
	}
	// a deletion has to replay the live record set exactly, and deleting
	// an absent record fails the whole batch, so read before removing
	existing, err := p.lookup(ctx, name, constants.RecordTypeCNAME)
	if err != nil && !trace.IsNotFound(err) {
		return false, trace.Wrap(err)
	}
	if err == nil {
		changes = append(changes, &route53.Change{
			Action:            aws.String(route53.ChangeActionDelete),
			ResourceRecordSet: existing,
		})
	}
	comment := fmt.Sprintf("remove %v at generation %v", name, generation)
	if err := p.submit(ctx, changes, comment); err != nil {
		return false, trace.Wrap(err)
	}
	writesTotal.WithLabelValues("remove", "applied").Inc()
	p.WithFields(log.Fields{
		constants.FieldDomain:     name,
		constants.FieldGeneration: generation,
	}).Info("Record removed.")
	return true, nil
}

// Published returns the currently published record for the specified name
// and the generation of the last accepted write. Returns trace.NotFound
// if the name is not published.
func (p *Publisher) Published(ctx context.Context, name string) (*Record, int64, error) {
	generation, err := p.generation(ctx, name)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	set, err := p.lookup(ctx, name, constants.RecordTypeCNAME)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	record := &Record{
		Name: strings.TrimSuffix(aws.StringValue(set.Name), "."),
		Type: aws.StringValue(set.Type),
		TTL:  aws.Int64Value(set.TTL),
	}
	if len(set.ResourceRecords) != 0 {
		record.Target = aws.StringValue(set.ResourceRecords[0].Value)
	}
	return record, generation, nil
}

// generation returns the registered generation for the specified name,
// zero if the name has never been written
func (p *Publisher) generation(ctx context.Context, name string) (int64, error) {
	set, err := p.lookup(ctx, p.registryName(name), constants.RecordTypeTXT)
	if err != nil {
		if trace.IsNotFound(err) {
			return 0, nil
		}
		return 0, trace.Wrap(err)
	}
	if len(set.ResourceRecords) == 0 {
		return 0, nil
	}
	value := aws.StringValue(set.ResourceRecords[0].Value)
	generation, err := parseGeneration(value)
	if err != nil {
		// a mangled registry record should not wedge publication
		p.Warnf("Resetting unexpected registry value %q for %v.", value, name)
		return 0, nil
	}
	return generation, nil
}

func (p *Publisher) lookup(ctx context.Context, name, recordType string) (*route53.ResourceRecordSet, error) {
	resp, err := p.Service.ListResourceRecordSetsWithContext(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(p.HostedZoneID),
		StartRecordName: aws.String(name),
		StartRecordType: aws.String(recordType),
		MaxItems:        aws.String("1"),
	})
	if err != nil {
		return nil, utils.ConvertRoute53Error(err)
	}
	// the listing starts at the requested name but returns whatever
	// sorts next when the name is absent
	for _, set := range resp.ResourceRecordSets {
		if aws.StringValue(set.Name) == fqdn(name) && aws.StringValue(set.Type) == recordType {
			return set, nil
		}
	}
	return nil, trace.NotFound("record %v %v not found", recordType, name)
}

func (p *Publisher) submit(ctx context.Context, changes []*route53.Change, comment string) error {
	input := &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(p.HostedZoneID),
		ChangeBatch: &route53.ChangeBatch{
			Changes: changes,
			Comment: aws.String(comment),
		},
	}
	interval := backoff.WithMaxRetries(
		utils.NewPollBackOff(p.RetryInterval, defaults.ExponentialRetryMaxDelay, 0),
		defaults.PublishAttempts-1)
	err := utils.RetryTransient(ctx, interval, func() error {
		_, err := p.Service.ChangeResourceRecordSetsWithContext(ctx, input)
		return utils.ConvertRoute53Error(err)
	})
	return trace.Wrap(err)
}

// registryName returns the name of the TXT record that tracks the
// generation of the specified published name
func (p *Publisher) registryName(name string) string {
	return p.RegistryPrefix + "." + name
}

func (p *Publisher) registryChange(name string, generation int64) *route53.Change {
	value := strconv.Quote(strconv.FormatInt(generation, 10))
	return newChange(route53.ChangeActionUpsert, p.registryName(name),
		constants.RecordTypeTXT, value, defaults.DNSRecordTTL)
}

func newChange(action, name, recordType, value string, ttl int64) *route53.Change {
	return &route53.Change{
		Action: aws.String(action),
		ResourceRecordSet: &route53.ResourceRecordSet{
			Name: aws.String(name),
			Type: aws.String(recordType),
			TTL:  aws.Int64(ttl),
			ResourceRecords: []*route53.ResourceRecord{
				{Value: aws.String(value)},
			},
		},
	}
}

func parseGeneration(value string) (int64, error) {
	if unquoted, err := strconv.Unquote(value); err == nil {
		value = unquoted
	}
	generation, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, trace.BadParameter("invalid generation %q", value)
	}
	return generation, nil
}

// fqdn returns the fully qualified form Route 53 uses in listings
func fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
