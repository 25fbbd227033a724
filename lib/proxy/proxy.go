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

// package proxy renders the shell script that turns a freshly launched
// instance into a working reverse proxy: it installs the proxy tooling
// from the artifacts bucket, regenerates the enclave certificate manifest
// and the nginx configuration, and starts the enclave service.
package proxy

import (
	"fmt"

	"github.com/gravitational/trace"
)

// Profile describes one proxy installation
type Profile struct {
	// ArtifactsBucket is the bucket holding the proxy tools bundle
	ArtifactsBucket string
	// Domain is the public name the proxy serves
	Domain string
	// OriginAddress is the backend server the proxy fronts
	OriginAddress string
	// CertificateARN is the enclave certificate presented by the proxy
	CertificateARN string
}

// Check validates this profile
func (p *Profile) Check() error {
	if p.ArtifactsBucket == "" {
		return trace.BadParameter("missing parameter ArtifactsBucket")
	}
	if p.Domain == "" {
		return trace.BadParameter("missing parameter Domain")
	}
	if p.OriginAddress == "" {
		return trace.BadParameter("missing parameter OriginAddress")
	}
	if p.CertificateARN == "" {
		return trace.BadParameter("missing parameter CertificateARN")
	}
	return nil
}

// ConfigureCommands returns the configuration script for the specified
// profile. The commands run as a single remote shell session, so working
// directory changes persist between steps.
func ConfigureCommands(profile Profile) ([]string, error) {
	if err := profile.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return []string{
		"echo updating packages",
		"sudo yum update -y",
		"echo installing dependencies",
		"sudo yum install -y aws-cfn-bootstrap gcc openssl-devel bzip2-devel libffi-devel zlib-devel",
		"echo installing python",
		"sudo wget https://www.python.org/ftp/python/3.9.9/Python-3.9.9.tgz -P /opt/python3.9",
		"cd /opt/python3.9",
		"sudo tar xzf Python-3.9.9.tgz",
		"cd Python-3.9.9",
		"sudo ./configure --prefix=/usr --enable-optimizations",
		"sudo make install",
		"echo installing proxy tools",
		"cd /opt",
		fmt.Sprintf("sudo aws s3 cp s3://%v/tools/tools.zip ./tools.zip", profile.ArtifactsBucket),
		"sudo unzip -o tools.zip",
		"cd reverseProxy",
		"sudo pip3 install -r requirements.txt",
		"echo rendering proxy configuration",
		fmt.Sprintf("rpt generate-acm-yaml --cert-arn %v", profile.CertificateARN),
		fmt.Sprintf("sudo rpt generate-nginx-config --domain %v --server-address %v",
			profile.Domain, profile.OriginAddress),
		"sudo mv acm.yaml /etc/nitro_enclaves/acm.yaml",
		"sudo mv -f nginx.conf /etc/nginx/nginx.conf",
		"echo starting proxy",
		"systemctl start nitro-enclaves-acm.service",
		"systemctl enable nitro-enclaves-acm",
	}, nil
}
