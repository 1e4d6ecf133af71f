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

package fake

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
)

// STSAPI captures AssumeRole calls, including the inline session policy that
// scopes registry credentials to a single project.
type STSAPI struct {
	mu sync.Mutex

	AssumeRoleCalls []*sts.AssumeRoleInput
	Err             error
}

func (s *STSAPI) AssumeRole(_ context.Context, params *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AssumeRoleCalls = append(s.AssumeRoleCalls, params)
	if s.Err != nil {
		return nil, s.Err
	}
	return &sts.AssumeRoleOutput{
		Credentials: &ststypes.Credentials{
			AccessKeyId:     aws.String("AKIAFAKE"),
			SecretAccessKey: aws.String("secret"),
			SessionToken:    aws.String("session"),
			Expiration:      aws.Time(time.Now().Add(time.Hour)),
		},
	}, nil
}

// ECRAPI serves canned authorization tokens and tracks repository lifecycle
// calls. Repositories start out missing so push flows exercise creation.
type ECRAPI struct {
	mu sync.Mutex

	Repositories map[string]bool
	TokenExpiry  time.Time
	TokenErr     error

	GetTokenCalls   int
	CreateRepoCalls []*ecr.CreateRepositoryInput
}

func NewECRAPI() *ECRAPI {
	return &ECRAPI{
		Repositories: map[string]bool{},
		TokenExpiry:  time.Now().Add(12 * time.Hour),
	}
}

func (e *ECRAPI) GetAuthorizationToken(_ context.Context, _ *ecr.GetAuthorizationTokenInput, _ ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.GetTokenCalls++
	if e.TokenErr != nil {
		return nil, e.TokenErr
	}
	token := base64.StdEncoding.EncodeToString([]byte("AWS:ecr-password"))
	return &ecr.GetAuthorizationTokenOutput{
		AuthorizationData: []types.AuthorizationData{{
			AuthorizationToken: aws.String(token),
			ExpiresAt:          aws.Time(e.TokenExpiry),
		}},
	}, nil
}

func (e *ECRAPI) DescribeRepositories(_ context.Context, params *ecr.DescribeRepositoriesInput, _ ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range params.RepositoryNames {
		if !e.Repositories[name] {
			return nil, &types.RepositoryNotFoundException{Message: aws.String(fmt.Sprintf("repository %q not found", name))}
		}
	}
	return &ecr.DescribeRepositoriesOutput{}, nil
}

func (e *ECRAPI) CreateRepository(_ context.Context, params *ecr.CreateRepositoryInput, _ ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CreateRepoCalls = append(e.CreateRepoCalls, params)
	name := aws.ToString(params.RepositoryName)
	if e.Repositories[name] {
		return nil, &types.RepositoryAlreadyExistsException{Message: aws.String("exists")}
	}
	e.Repositories[name] = true
	return &ecr.CreateRepositoryOutput{}, nil
}

// KMSAPI is an unwrapping key service: data keys are random, and the wrapped
// blob is remembered so Decrypt can return the matching plaintext key.
type KMSAPI struct {
	mu sync.Mutex

	keys map[string][]byte

	GenerateCalls int
	DecryptCalls  int
	GenerateErr   error
	DecryptErr    error
}

func NewKMSAPI() *KMSAPI {
	return &KMSAPI{keys: map[string][]byte{}}
}

func (k *KMSAPI) GenerateDataKey(_ context.Context, params *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.GenerateCalls++
	if k.GenerateErr != nil {
		return nil, k.GenerateErr
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	wrapped := []byte(fmt.Sprintf("wrapped-%d", k.GenerateCalls))
	k.keys[string(wrapped)] = key
	return &kms.GenerateDataKeyOutput{
		KeyId:          params.KeyId,
		Plaintext:      key,
		CiphertextBlob: wrapped,
	}, nil
}

func (k *KMSAPI) Decrypt(_ context.Context, params *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.DecryptCalls++
	if k.DecryptErr != nil {
		return nil, k.DecryptErr
	}
	key, ok := k.keys[string(params.CiphertextBlob)]
	if !ok {
		return nil, fmt.Errorf("unknown ciphertext blob")
	}
	return &kms.DecryptOutput{Plaintext: key}, nil
}
