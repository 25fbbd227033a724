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

// package certassoc reconciles the association between the enclave
// certificate and the proxy instance role. It runs at deployment create,
// update and teardown, never on the per-event path.
//
// The permission side of the association is a single managed policy owned
// by this actor. Every change replaces the whole default policy version
// with exactly the statements the current association needs, so repeated
// deployments cannot accumulate statements and a reader always sees either
// the full grant or none of it.
package certassoc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"

	"github.com/pylonhq/pylon/lib/constants"
	"github.com/pylonhq/pylon/lib/utils"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/iam"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// EC2 is an interface representing the certificate association API of the
// AWS Elastic Compute cloud
type EC2 interface {
	AssociateEnclaveCertificateIamRoleWithContext(aws.Context, *ec2.AssociateEnclaveCertificateIamRoleInput, ...request.Option) (*ec2.AssociateEnclaveCertificateIamRoleOutput, error)
	GetAssociatedEnclaveCertificateIamRolesWithContext(aws.Context, *ec2.GetAssociatedEnclaveCertificateIamRolesInput, ...request.Option) (*ec2.GetAssociatedEnclaveCertificateIamRolesOutput, error)
	DisassociateEnclaveCertificateIamRoleWithContext(aws.Context, *ec2.DisassociateEnclaveCertificateIamRoleInput, ...request.Option) (*ec2.DisassociateEnclaveCertificateIamRoleOutput, error)
}

// IAM is an interface representing the AWS Identity and Access Management
// service
type IAM interface {
	CreatePolicyVersionWithContext(aws.Context, *iam.CreatePolicyVersionInput, ...request.Option) (*iam.CreatePolicyVersionOutput, error)
	ListPolicyVersionsWithContext(aws.Context, *iam.ListPolicyVersionsInput, ...request.Option) (*iam.ListPolicyVersionsOutput, error)
	DeletePolicyVersionWithContext(aws.Context, *iam.DeletePolicyVersionInput, ...request.Option) (*iam.DeletePolicyVersionOutput, error)
	GetPolicyWithContext(aws.Context, *iam.GetPolicyInput, ...request.Option) (*iam.GetPolicyOutput, error)
	GetPolicyVersionWithContext(aws.Context, *iam.GetPolicyVersionInput, ...request.Option) (*iam.GetPolicyVersionOutput, error)
}

// Association binds an enclave certificate to the instance role of one
// deployment. At most one association exists per deployment.
type Association struct {
	// CertificateARN is the certificate the proxy presents
	CertificateARN string `json:"certificate_arn"`
	// RoleARN is the proxy instance role
	RoleARN string `json:"role_arn"`
	// PolicyARN is the managed policy owned by this actor
	PolicyARN string `json:"policy_arn"`
}

// Check validates this association
func (a *Association) Check() error {
	if a.CertificateARN == "" {
		return trace.BadParameter("missing parameter CertificateARN")
	}
	if a.RoleARN == "" {
		return trace.BadParameter("missing parameter RoleARN")
	}
	if a.PolicyARN == "" {
		return trace.BadParameter("missing parameter PolicyARN")
	}
	return nil
}

// String returns a textual representation of this association
func (a Association) String() string {
	return fmt.Sprintf("association(%v -> %v)", a.CertificateARN, a.RoleARN)
}

// Config is the association actor configuration
type Config struct {
	// Compute manages certificate associations
	Compute EC2
	// Identity manages the permission policy
	Identity IAM
}

// CheckAndSetDefaults checks and sets default values
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.Compute == nil {
		return trace.BadParameter("missing parameter Compute")
	}
	if cfg.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	return nil
}

// Actor reconciles certificate associations
type Actor struct {
	// Config is the actor configuration
	Config
	*log.Entry
}

// New returns a new association actor
func New(cfg Config) (*Actor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Actor{
		Config: cfg,
		Entry:  log.WithField(trace.Component, constants.ComponentCertAssoc),
	}, nil
}

// Ensure associates the certificate with the role and installs the
// statements the role needs to fetch and decrypt the issued certificate
// bundle. If the policy write fails, an association created by this call
// is withdrawn again so the operation applies fully or not at all.
func (a *Actor) Ensure(ctx context.Context, assoc Association) error {
	if err := assoc.Check(); err != nil {
		return trace.Wrap(err)
	}
	a.Debugf("Ensure(%v).", assoc)
	issued, associated, err := a.currentGrant(ctx, assoc)
	if err != nil {
		return trace.Wrap(err)
	}
	if !associated {
		issued, err = a.associate(ctx, assoc)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	if err := a.writePolicy(ctx, assoc.PolicyARN, grantDocument(issued)); err != nil {
		if !associated {
			// withdraw only what this call created
			if errRollback := a.disassociate(ctx, assoc); errRollback != nil {
				a.Warnf("Failed to roll back %v: %v.", assoc, trace.DebugReport(errRollback))
			}
		}
		operationsTotal.WithLabelValues("ensure", "failed").Inc()
		return trace.Wrap(err)
	}
	operationsTotal.WithLabelValues("ensure", "ok").Inc()
	a.Infof("Ensured %v.", assoc)
	return nil
}

// Reconcile converges the association: a no-op when the certificate is
// already associated and the default policy document matches the expected
// grant, the Ensure path otherwise.
func (a *Actor) Reconcile(ctx context.Context, assoc Association) error {
	if err := assoc.Check(); err != nil {
		return trace.Wrap(err)
	}
	a.Debugf("Reconcile(%v).", assoc)
	issued, associated, err := a.currentGrant(ctx, assoc)
	if err != nil {
		return trace.Wrap(err)
	}
	if associated {
		converged, err := a.policyMatches(ctx, assoc.PolicyARN, grantDocument(issued))
		if err != nil {
			return trace.Wrap(err)
		}
		if converged {
			a.Debugf("%v already converged.", assoc)
			operationsTotal.WithLabelValues("reconcile", "noop").Inc()
			return nil
		}
	}
	return trace.Wrap(a.Ensure(ctx, assoc))
}

// Remove tears the association down: the policy is reset to the empty
// grant first so a partial failure cannot leave permissions behind
// without their certificate, then the certificate is disassociated.
// Removing an absent association succeeds.
func (a *Actor) Remove(ctx context.Context, assoc Association) error {
	if err := assoc.Check(); err != nil {
		return trace.Wrap(err)
	}
	a.Debugf("Remove(%v).", assoc)
	if err := a.writePolicy(ctx, assoc.PolicyARN, emptyDocument()); err != nil {
		operationsTotal.WithLabelValues("remove", "failed").Inc()
		return trace.Wrap(err)
	}
	_, associated, err := a.currentGrant(ctx, assoc)
	if err != nil {
		return trace.Wrap(err)
	}
	if associated {
		if err := a.disassociate(ctx, assoc); err != nil {
			operationsTotal.WithLabelValues("remove", "failed").Inc()
			return trace.Wrap(err)
		}
	}
	operationsTotal.WithLabelValues("remove", "ok").Inc()
	a.Infof("Removed %v.", assoc)
	return nil
}

// grant captures where the issued certificate bundle for an association
// lives
type grant struct {
	// bucket is the bucket holding the issued bundle
	bucket string
	// key is the bundle object key
	key string
	// encryptionKey is the key ID the bundle is encrypted with
	encryptionKey string
}

func (a *Actor) currentGrant(ctx context.Context, assoc Association) (*grant, bool, error) {
	resp, err := a.Compute.GetAssociatedEnclaveCertificateIamRolesWithContext(ctx, &ec2.GetAssociatedEnclaveCertificateIamRolesInput{
		CertificateArn: aws.String(assoc.CertificateARN),
	})
	if err != nil {
		return nil, false, utils.ConvertEC2Error(err)
	}
	for _, role := range resp.AssociatedRoles {
		if aws.StringValue(role.AssociatedRoleArn) != assoc.RoleARN {
			continue
		}
		return &grant{
			bucket:        aws.StringValue(role.CertificateS3BucketName),
			key:           aws.StringValue(role.CertificateS3ObjectKey),
			encryptionKey: aws.StringValue(role.EncryptionKmsKeyId),
		}, true, nil
	}
	return nil, false, nil
}

func (a *Actor) associate(ctx context.Context, assoc Association) (*grant, error) {
	resp, err := a.Compute.AssociateEnclaveCertificateIamRoleWithContext(ctx, &ec2.AssociateEnclaveCertificateIamRoleInput{
		CertificateArn: aws.String(assoc.CertificateARN),
		RoleArn:        aws.String(assoc.RoleARN),
	})
	if err != nil {
		return nil, utils.ConvertEC2Error(err)
	}
	return &grant{
		bucket:        aws.StringValue(resp.CertificateS3BucketName),
		key:           aws.StringValue(resp.CertificateS3ObjectKey),
		encryptionKey: aws.StringValue(resp.EncryptionKmsKeyId),
	}, nil
}

func (a *Actor) disassociate(ctx context.Context, assoc Association) error {
	_, err := a.Compute.DisassociateEnclaveCertificateIamRoleWithContext(ctx, &ec2.DisassociateEnclaveCertificateIamRoleInput{
		CertificateArn: aws.String(assoc.CertificateARN),
		RoleArn:        aws.String(assoc.RoleARN),
	})
	if err != nil {
		return utils.ConvertEC2Error(err)
	}
	return nil
}

// writePolicy replaces the default version of the managed policy with the
// specified document. Non-default versions are pruned first to stay under
// the service's version quota.
func (a *Actor) writePolicy(ctx context.Context, policyARN string, document policyDocument) error {
	bytes, err := json.Marshal(document)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := a.pruneVersions(ctx, policyARN); err != nil {
		return trace.Wrap(err)
	}
	_, err = a.Identity.CreatePolicyVersionWithContext(ctx, &iam.CreatePolicyVersionInput{
		PolicyArn:      aws.String(policyARN),
		PolicyDocument: aws.String(string(bytes)),
		SetAsDefault:   aws.Bool(true),
	})
	if err != nil {
		return utils.ConvertIAMError(err)
	}
	return nil
}

func (a *Actor) pruneVersions(ctx context.Context, policyARN string) error {
	resp, err := a.Identity.ListPolicyVersionsWithContext(ctx, &iam.ListPolicyVersionsInput{
		PolicyArn: aws.String(policyARN),
	})
	if err != nil {
		return utils.ConvertIAMError(err)
	}
	for _, version := range resp.Versions {
		if aws.BoolValue(version.IsDefaultVersion) {
			continue
		}
		_, err := a.Identity.DeletePolicyVersionWithContext(ctx, &iam.DeletePolicyVersionInput{
			PolicyArn: aws.String(policyARN),
			VersionId: version.VersionId,
		})
		if err != nil {
			return utils.ConvertIAMError(err)
		}
	}
	return nil
}

func (a *Actor) policyMatches(ctx context.Context, policyARN string, document policyDocument) (bool, error) {
	policy, err := a.Identity.GetPolicyWithContext(ctx, &iam.GetPolicyInput{
		PolicyArn: aws.String(policyARN),
	})
	if err != nil {
		return false, utils.ConvertIAMError(err)
	}
	version, err := a.Identity.GetPolicyVersionWithContext(ctx, &iam.GetPolicyVersionInput{
		PolicyArn: aws.String(policyARN),
		VersionId: policy.Policy.DefaultVersionId,
	})
	if err != nil {
		return false, utils.ConvertIAMError(err)
	}
	current, err := parseDocument(aws.StringValue(version.PolicyVersion.Document))
	if err != nil {
		a.Warnf("Failed to parse current policy document: %v.", err)
		return false, nil
	}
	return reflect.DeepEqual(*current, document), nil
}

const policyVersion = "2012-10-17"

const effectAllow = "Allow"

// policyDocument is an IAM policy document
type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

// grantDocument returns the statements the instance role needs to fetch
// and decrypt the issued certificate bundle: read of exactly the issued
// object, decrypt with exactly the issuing key. The role lookup keeps the
// provider-documented wildcard resource.
func grantDocument(issued *grant) policyDocument {
	return policyDocument{
		Version: policyVersion,
		Statement: []policyStatement{
			{
				Effect:   effectAllow,
				Action:   []string{"s3:GetObject"},
				Resource: []string{fmt.Sprintf("arn:aws:s3:::%v/%v", issued.bucket, issued.key)},
			},
			{
				Effect:   effectAllow,
				Action:   []string{"kms:Decrypt"},
				Resource: []string{fmt.Sprintf("arn:aws:kms:*:*:key/%v", issued.encryptionKey)},
			},
			{
				Effect:   effectAllow,
				Action:   []string{"iam:GetRole"},
				Resource: []string{"*"},
			},
		},
	}
}

// emptyDocument returns the placeholder the policy is reset to on
// teardown. A policy document cannot have zero statements; this one
// grants nothing a caller cannot already do.
func emptyDocument() policyDocument {
	return policyDocument{
		Version: policyVersion,
		Statement: []policyStatement{{
			Effect:   effectAllow,
			Action:   []string{"sts:GetCallerIdentity"},
			Resource: []string{"*"},
		}},
	}
}

func parseDocument(encoded string) (*policyDocument, error) {
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var document policyDocument
	if err := json.Unmarshal([]byte(decoded), &document); err != nil {
		return nil, trace.Wrap(err)
	}
	return &document, nil
}
