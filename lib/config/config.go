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

// package config loads the pylon runtime configuration from an optional
// YAML file overlaid with PYLON_-prefixed environment variables.
// Configuration is resolved once at process start and passed around as an
// immutable value afterwards.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pylonhq/pylon/lib/defaults"

	"github.com/gravitational/configure"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Config defines the runtime configuration shared by the pylon daemon
// and the CLI subcommands
type Config struct {
	// Region is the AWS region hosting the proxy fleet.
	// If unset, the SDK's own resolution chain applies.
	Region string `yaml:"region" env:"PYLON_REGION"`

	// QueueName is the SQS queue receiving scaling group lifecycle
	// notifications; the queue URL is resolved at startup
	QueueName string `yaml:"queue_name" env:"PYLON_QUEUE_NAME"`

	// HostedZoneID is the Route 53 hosted zone the public proxy name
	// is published in
	HostedZoneID string `yaml:"hosted_zone_id" env:"PYLON_HOSTED_ZONE_ID"`

	// RootDomain is the deployment root domain, e.g. pylon.example.com
	RootDomain string `yaml:"root_domain" env:"PYLON_ROOT_DOMAIN"`

	// DomainPrefix is an optional label prepended to the root domain
	// to form the public proxy name
	DomainPrefix string `yaml:"domain_prefix" env:"PYLON_DOMAIN_PREFIX"`

	// OriginAddress is the private address of the backend server the
	// proxy forwards requests to
	OriginAddress string `yaml:"origin_address" env:"PYLON_ORIGIN_ADDRESS"`

	// ArtifactsBucket is the S3 bucket holding the proxy tooling bundle
	ArtifactsBucket string `yaml:"artifacts_bucket" env:"PYLON_ARTIFACTS_BUCKET"`

	// CertificateARN is the ACM certificate terminated by the proxy
	CertificateARN string `yaml:"certificate_arn" env:"PYLON_CERTIFICATE_ARN"`

	// InstanceRoleARN is the IAM role attached to proxy instances
	InstanceRoleARN string `yaml:"instance_role_arn" env:"PYLON_INSTANCE_ROLE_ARN"`

	// AssociationPolicyARN is the managed policy that grants the instance
	// role access to the certificate material; rewritten in place by the
	// association actor
	AssociationPolicyARN string `yaml:"association_policy_arn" env:"PYLON_ASSOCIATION_POLICY_ARN"`

	// StateDir is the directory with the local workflow database
	StateDir string `yaml:"state_dir" env:"PYLON_STATE_DIR"`

	// ListenAddr is the health and metrics listen address
	ListenAddr string `yaml:"listen_addr" env:"PYLON_LISTEN_ADDR"`

	// LeaseTTLSeconds overrides the lifecycle hook heartbeat timeout
	LeaseTTLSeconds int `yaml:"lease_ttl_seconds" env:"PYLON_LEASE_TTL_SECONDS"`

	// HeartbeatSeconds overrides the lease extension increment
	HeartbeatSeconds int `yaml:"heartbeat_seconds" env:"PYLON_HEARTBEAT_SECONDS"`

	// Debug enables verbose logging
	Debug bool `yaml:"debug" env:"PYLON_DEBUG"`
}

// ReadConfig loads configuration from the specified YAML file, if any,
// and overlays values from the process environment
func ReadConfig(configFile string) (*Config, error) {
	var cfg Config
	if configFile != "" {
		log.Debugf("Reading configuration from %v.", configFile)
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		if err := configure.ParseYAML(data, &cfg, configure.EnableTemplating()); err != nil {
			return nil, trace.Wrap(err, "failed to parse %v", configFile)
		}
	}
	if err := configure.ParseEnv(&cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// CheckAndSetDefaults validates this configuration object and sets defaults
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.HostedZoneID == "" {
		return trace.BadParameter("missing HostedZoneID")
	}
	if cfg.RootDomain == "" {
		return trace.BadParameter("missing RootDomain")
	}
	if cfg.OriginAddress == "" {
		return trace.BadParameter("missing OriginAddress")
	}
	if cfg.ArtifactsBucket == "" {
		return trace.BadParameter("missing ArtifactsBucket")
	}
	if cfg.CertificateARN == "" {
		return trace.BadParameter("missing CertificateARN")
	}
	if cfg.StateDir == "" {
		cfg.StateDir = defaults.StateDir
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaults.HTTPListenAddr
	}
	if cfg.LeaseTTLSeconds == 0 {
		cfg.LeaseTTLSeconds = int(defaults.LeaseTTL / time.Second)
	}
	if cfg.LeaseTTLSeconds < 0 {
		return trace.BadParameter("LeaseTTLSeconds must be positive, got %v",
			cfg.LeaseTTLSeconds)
	}
	if cfg.HeartbeatSeconds == 0 {
		cfg.HeartbeatSeconds = int(defaults.LeaseHeartbeatIncrement / time.Second)
	}
	if cfg.HeartbeatSeconds < 0 {
		return trace.BadParameter("HeartbeatSeconds must be positive, got %v",
			cfg.HeartbeatSeconds)
	}
	return nil
}

// ProxyDomain returns the public name the proxy fleet is published under
func (cfg Config) ProxyDomain() string {
	if cfg.DomainPrefix == "" {
		return cfg.RootDomain
	}
	return fmt.Sprintf("%v.%v", cfg.DomainPrefix, cfg.RootDomain)
}

// LeaseTTL returns the lifecycle hook heartbeat timeout
func (cfg Config) LeaseTTL() time.Duration {
	return time.Duration(cfg.LeaseTTLSeconds) * time.Second
}

// HeartbeatIncrement returns the lease extension increment
func (cfg Config) HeartbeatIncrement() time.Duration {
	return time.Duration(cfg.HeartbeatSeconds) * time.Second
}
