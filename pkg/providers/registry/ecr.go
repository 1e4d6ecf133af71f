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

package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/samber/lo"
)

type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

type ECRAPI interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
}

var (
	pullActions = []string{
		"ecr:GetDownloadUrlForLayer",
		"ecr:BatchGetImage",
		"ecr:BatchCheckLayerAvailability",
	}
	pushActions = append(pullActions,
		"ecr:PutImage",
		"ecr:InitiateLayerUpload",
		"ecr:UploadLayerPart",
		"ecr:CompleteLayerUpload",
	)
)

// ECRConfig carries the registry section of the configuration relevant to the
// ECR provider.
type ECRConfig struct {
	RegistryURL string
	AccountID   string
	Region      string
	RepoPrefix  string
	PushRoleARN string
}

// ECR issues project-scoped registry credentials by assuming a pre-configured
// role with an inline session policy narrowed to the project's repositories,
// then exchanging the session for an ECR authorization token. The token's
// blast radius is the session policy regardless of what the role itself
// permits.
type ECR struct {
	cfg    ECRConfig
	stsapi STSAPI
	// newECRClient builds a client from assumed-role credentials; injected so
	// tests can substitute a fake.
	newECRClient func(creds ststypes.Credentials) ECRAPI
}

func NewECR(cfg ECRConfig, stsapi STSAPI) *ECR {
	return &ECR{
		cfg:    cfg,
		stsapi: stsapi,
		newECRClient: func(creds ststypes.Credentials) ECRAPI {
			return ecr.New(ecr.Options{
				Region: cfg.Region,
				Credentials: credentials.NewStaticCredentialsProvider(
					lo.FromPtr(creds.AccessKeyId),
					lo.FromPtr(creds.SecretAccessKey),
					lo.FromPtr(creds.SessionToken),
				),
			})
		},
	}
}

// NewECRWithClientFactory substitutes the ECR client construction; used by
// tests to avoid real AWS calls.
func NewECRWithClientFactory(cfg ECRConfig, stsapi STSAPI, factory func(creds ststypes.Credentials) ECRAPI) *ECR {
	e := NewECR(cfg, stsapi)
	e.newECRClient = factory
	return e
}

func (e *ECR) ScopedTokens() bool { return true }

func (e *ECR) Repository(projectName string) string {
	return e.cfg.RepoPrefix + projectName
}

func (e *ECR) CredentialsFor(ctx context.Context, projectName string, scope Scope) (*Credentials, error) {
	policy, err := e.sessionPolicy(projectName, scope)
	if err != nil {
		return nil, err
	}
	assumed, err := e.stsapi.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(e.cfg.PushRoleARN),
		RoleSessionName: aws.String(fmt.Sprintf("rise-%s-%s", scope, projectName)),
		Policy:          aws.String(policy),
		DurationSeconds: aws.Int32(3600),
	})
	if err != nil {
		return nil, fmt.Errorf("assuming registry role for %q, %w", projectName, err)
	}
	ecrapi := e.newECRClient(lo.FromPtr(assumed.Credentials))
	if scope == ScopePush {
		if err := e.ensureRepository(ctx, ecrapi, projectName); err != nil {
			return nil, err
		}
	}
	token, err := ecrapi.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return nil, fmt.Errorf("getting authorization token, %w", err)
	}
	if len(token.AuthorizationData) == 0 {
		return nil, fmt.Errorf("authorization token response contained no credentials")
	}
	auth := token.AuthorizationData[0]
	username, password, err := splitAuthorizationToken(lo.FromPtr(auth.AuthorizationToken))
	if err != nil {
		return nil, err
	}
	return &Credentials{
		RegistryURL: e.cfg.RegistryURL,
		Username:    username,
		Password:    password,
		ExpiresAt:   lo.FromPtr(auth.ExpiresAt),
		Repository:  fmt.Sprintf("%s/%s", e.cfg.RegistryURL, e.Repository(projectName)),
	}, nil
}

// sessionPolicy narrows the assumed session to the project's repository
// prefix. GetAuthorizationToken is registry-wide in IAM terms and must be
// granted on *; the repository actions are what carry the scoping.
func (e *ECR) sessionPolicy(projectName string, scope Scope) (string, error) {
	actions := pullActions
	if scope == ScopePush {
		actions = pushActions
	}
	repoARN := fmt.Sprintf("arn:aws:ecr:%s:%s:repository/%s*", e.cfg.Region, e.cfg.AccountID, e.Repository(projectName))
	policy, err := json.Marshal(map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{
			{"Effect": "Allow", "Action": []string{"ecr:GetAuthorizationToken"}, "Resource": "*"},
			{"Effect": "Allow", "Action": actions, "Resource": repoARN},
			{"Effect": "Allow", "Action": []string{"ecr:DescribeRepositories", "ecr:CreateRepository"}, "Resource": repoARN},
		},
	})
	if err != nil {
		return "", err
	}
	return string(policy), nil
}

func (e *ECR) ensureRepository(ctx context.Context, ecrapi ECRAPI, projectName string) error {
	repo := e.Repository(projectName)
	if _, err := ecrapi.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{repo},
	}); err == nil {
		return nil
	}
	if _, err := ecrapi.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName:             aws.String(repo),
		ImageTagMutability:         ecrtypes.ImageTagMutabilityImmutable,
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{ScanOnPush: true},
	}); err != nil {
		var exists *ecrtypes.RepositoryAlreadyExistsException
		if errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("creating repository %q, %w", repo, err)
	}
	return nil
}

func splitAuthorizationToken(token string) (string, string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("decoding authorization token, %w", err)
	}
	username, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", "", fmt.Errorf("authorization token is not user:password shaped")
	}
	return username, password, nil
}
