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

	"github.com/pylonhq/pylon/lib/certassoc"
	"github.com/pylonhq/pylon/lib/config"
	"github.com/pylonhq/pylon/lib/utils"

	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/iam"

	"github.com/gravitational/trace"
)

// associationEnsure associates the certificate with the instance role and
// installs the permission policy, run once at deployment time
func associationEnsure(cfg config.Config) error {
	actor, assoc, err := newAssociation(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := actor.Ensure(context.TODO(), assoc); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Ensured %v.\n", assoc)
	return nil
}

// associationReconcile converges the association if it drifted, run on
// deployment updates
func associationReconcile(cfg config.Config) error {
	actor, assoc, err := newAssociation(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := actor.Reconcile(context.TODO(), assoc); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Reconciled %v.\n", assoc)
	return nil
}

// associationRemove disassociates the certificate and empties the
// permission policy, run at teardown
func associationRemove(cfg config.Config, confirmed bool) error {
	actor, assoc, err := newAssociation(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	if !confirmed {
		if err := enforceConfirmation("remove %v", assoc); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := actor.Remove(context.TODO(), assoc); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Removed %v.\n", assoc)
	return nil
}

func newAssociation(cfg config.Config) (*certassoc.Actor, certassoc.Association, error) {
	assoc := certassoc.Association{
		CertificateARN: cfg.CertificateARN,
		RoleARN:        cfg.InstanceRoleARN,
		PolicyARN:      cfg.AssociationPolicyARN,
	}
	if assoc.CertificateARN == "" {
		return nil, assoc, trace.BadParameter("missing CertificateARN")
	}
	if assoc.RoleARN == "" {
		return nil, assoc, trace.BadParameter("missing InstanceRoleARN")
	}
	if assoc.PolicyARN == "" {
		return nil, assoc, trace.BadParameter("missing AssociationPolicyARN")
	}
	session, err := utils.AWSSession(cfg.Region)
	if err != nil {
		return nil, assoc, trace.Wrap(err)
	}
	actor, err := certassoc.New(certassoc.Config{
		Compute:  ec2.New(session),
		Identity: iam.New(session),
	})
	if err != nil {
		return nil, assoc, trace.Wrap(err)
	}
	return actor, assoc, nil
}
