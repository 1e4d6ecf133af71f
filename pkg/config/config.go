/*
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

// Package config loads the immutable configuration snapshot shared by the API
// server and every controller. The file is read once at startup; nothing
// reloads it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server               Server               `yaml:"server" validate:"required"`
	Database             Database             `yaml:"database" validate:"required"`
	Auth                 Auth                 `yaml:"auth" validate:"required"`
	Registry             Registry             `yaml:"registry" validate:"required"`
	Kubernetes           Kubernetes           `yaml:"kubernetes" validate:"required"`
	DeploymentController DeploymentController `yaml:"deployment_controller"`
	Encryption           Encryption           `yaml:"encryption" validate:"required"`
}

type Server struct {
	// PublicURL is the externally reachable base URL of the control plane. It
	// doubles as issuer and audience of platform session tokens.
	PublicURL         string        `yaml:"public_url" validate:"required,url"`
	JWTSigningKeyPath string        `yaml:"jwt_signing_key_path" validate:"required"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
}

type Database struct {
	URL string `yaml:"url" validate:"required"`
}

type Auth struct {
	Issuer       string `yaml:"issuer" validate:"required,url"`
	ClientID     string `yaml:"client_id" validate:"required"`
	ClientSecret string `yaml:"client_secret" validate:"required"`
	// WorkloadIssuers lists the external OIDC issuers (CI systems) whose
	// tokens may authenticate as workload identities.
	WorkloadIssuers []string `yaml:"workload_issuers"`
	// AdminGroups are upstream groups whose members bypass ownership and
	// membership checks.
	AdminGroups []string `yaml:"admin_groups"`
}

type RegistryType string

const (
	RegistryTypeDocker RegistryType = "docker"
	RegistryTypeECR    RegistryType = "ecr"
)

type Registry struct {
	Type        RegistryType `yaml:"type" validate:"required,oneof=docker ecr"`
	RegistryURL string       `yaml:"registry_url" validate:"required"`
	AccountID   string       `yaml:"account_id"`
	Region      string       `yaml:"region"`
	RepoPrefix  string       `yaml:"repo_prefix"`
	PushRoleARN string       `yaml:"push_role_arn"`
}

type Kubernetes struct {
	// Kubeconfig is optional; empty means in-cluster configuration.
	Kubeconfig                   string `yaml:"kubeconfig"`
	IngressClass                 string `yaml:"ingress_class" validate:"required"`
	ProductionIngressURLTemplate string `yaml:"production_ingress_url_template" validate:"required"`
	StagingIngressURLTemplate    string `yaml:"staging_ingress_url_template" validate:"required"`
	NamespaceFormat              string `yaml:"namespace_format"`
}

type AccessClass struct {
	DisplayName       string            `yaml:"display_name"`
	IngressClass      string            `yaml:"ingress_class"`
	AccessRequirement string            `yaml:"access_requirement"`
	Annotations       map[string]string `yaml:"annotations"`
}

type DeploymentController struct {
	AccessClasses             map[string]AccessClass `yaml:"access_classes"`
	Workers                   int                    `yaml:"workers"`
	DeployTimeout             time.Duration          `yaml:"deploy_timeout"`
	HealthTimeout             time.Duration          `yaml:"health_timeout"`
	PullSecretRefreshInterval time.Duration          `yaml:"pull_secret_refresh_interval"`
}

type EncryptionProvider string

const (
	EncryptionProviderLocal EncryptionProvider = "local"
	EncryptionProviderKMS   EncryptionProvider = "kms"
)

type Encryption struct {
	Provider EncryptionProvider `yaml:"provider" validate:"required,oneof=local kms"`
	// LocalKeyPath points at a 32-byte key file for the local provider.
	LocalKeyPath string `yaml:"local_key_path"`
	// KMSKeyID is the customer key wrapping data keys for the kms provider.
	KMSKeyID string `yaml:"kms_key_id"`
}

// Load reads, decodes and validates a config file. The returned Config is
// treated as read-only by everything downstream.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config, %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decoding config, %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config, %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.SessionTTL == 0 {
		c.Server.SessionTTL = 24 * time.Hour
	}
	if c.Kubernetes.NamespaceFormat == "" {
		c.Kubernetes.NamespaceFormat = "rise-{project_name}"
	}
	if c.DeploymentController.Workers == 0 {
		c.DeploymentController.Workers = 4
	}
	if c.DeploymentController.DeployTimeout == 0 {
		c.DeploymentController.DeployTimeout = 10 * time.Minute
	}
	if c.DeploymentController.HealthTimeout == 0 {
		c.DeploymentController.HealthTimeout = 30 * time.Second
	}
	if c.DeploymentController.PullSecretRefreshInterval == 0 {
		c.DeploymentController.PullSecretRefreshInterval = time.Hour
	}
}

func (c *Config) Validate() (err error) {
	if verr := validator.New().Struct(c); verr != nil {
		err = multierr.Append(err, verr)
	}
	if !strings.Contains(c.Kubernetes.ProductionIngressURLTemplate, "{project_name}") {
		err = multierr.Append(err, fmt.Errorf("production_ingress_url_template must contain {project_name}"))
	}
	if !strings.Contains(c.Kubernetes.StagingIngressURLTemplate, "{project_name}") || !strings.Contains(c.Kubernetes.StagingIngressURLTemplate, "{deployment_group}") {
		err = multierr.Append(err, fmt.Errorf("staging_ingress_url_template must contain {project_name} and {deployment_group}"))
	}
	if !strings.Contains(c.Kubernetes.NamespaceFormat, "{project_name}") {
		err = multierr.Append(err, fmt.Errorf("namespace_format must contain {project_name}"))
	}
	if c.Registry.Type == RegistryTypeECR {
		for k, v := range map[string]string{"account_id": c.Registry.AccountID, "region": c.Registry.Region, "push_role_arn": c.Registry.PushRoleARN} {
			if v == "" {
				err = multierr.Append(err, fmt.Errorf("registry.%s is required when registry.type is ecr", k))
			}
		}
	}
	if c.Encryption.Provider == EncryptionProviderLocal && c.Encryption.LocalKeyPath == "" {
		err = multierr.Append(err, fmt.Errorf("encryption.local_key_path is required when encryption.provider is local"))
	}
	if c.Encryption.Provider == EncryptionProviderKMS && c.Encryption.KMSKeyID == "" {
		err = multierr.Append(err, fmt.Errorf("encryption.kms_key_id is required when encryption.provider is kms"))
	}
	for name, ac := range c.DeploymentController.AccessClasses {
		if name != strings.ToLower(name) {
			err = multierr.Append(err, fmt.Errorf("access class %q must be lowercase", name))
		}
		if ac.AccessRequirement == "" {
			err = multierr.Append(err, fmt.Errorf("access class %q must declare an access_requirement", name))
		}
	}
	return err
}

// AccessClass resolves a project's access class, falling back to a permissive
// default when the class is not configured so that a stale project row cannot
// wedge reconciliation.
func (c *Config) AccessClass(name string) AccessClass {
	if ac, ok := c.DeploymentController.AccessClasses[name]; ok {
		return ac
	}
	return AccessClass{DisplayName: name, IngressClass: c.Kubernetes.IngressClass, AccessRequirement: "public"}
}
