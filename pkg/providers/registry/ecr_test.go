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

package registry_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"

	"github.com/rise-dev/rise/pkg/fake"
	"github.com/rise-dev/rise/pkg/providers/registry"
)

var _ = Describe("ECR", func() {
	var (
		stsapi *fake.STSAPI
		ecrapi *fake.ECRAPI
		ecr    *registry.ECR
	)

	BeforeEach(func() {
		stsapi = &fake.STSAPI{}
		ecrapi = fake.NewECRAPI()
		ecr = registry.NewECRWithClientFactory(registry.ECRConfig{
			RegistryURL: "123456789012.dkr.ecr.us-east-1.amazonaws.com",
			AccountID:   "123456789012",
			Region:      "us-east-1",
			RepoPrefix:  "rise/",
			PushRoleARN: "arn:aws:iam::123456789012:role/rise-registry",
		}, stsapi, func(ststypes.Credentials) registry.ECRAPI { return ecrapi })
	})

	It("should narrow the session policy to the project repositories", func() {
		_, err := ecr.CredentialsFor(ctx, "my-app", registry.ScopePull)
		Expect(err).ToNot(HaveOccurred())

		Expect(stsapi.AssumeRoleCalls).To(HaveLen(1))
		policy := map[string]any{}
		Expect(json.Unmarshal([]byte(lo.FromPtr(stsapi.AssumeRoleCalls[0].Policy)), &policy)).To(Succeed())
		statements := policy["Statement"].([]any)
		repoStatement := statements[1].(map[string]any)
		Expect(repoStatement["Resource"]).To(Equal("arn:aws:ecr:us-east-1:123456789012:repository/rise/my-app*"))
		Expect(repoStatement["Action"]).ToNot(ContainElement("ecr:PutImage"))
	})
	It("should grant push actions only for push scope", func() {
		_, err := ecr.CredentialsFor(ctx, "my-app", registry.ScopePush)
		Expect(err).ToNot(HaveOccurred())

		policy := map[string]any{}
		Expect(json.Unmarshal([]byte(lo.FromPtr(stsapi.AssumeRoleCalls[0].Policy)), &policy)).To(Succeed())
		repoStatement := policy["Statement"].([]any)[1].(map[string]any)
		Expect(repoStatement["Action"]).To(ContainElement("ecr:PutImage"))
	})
	It("should create the repository before issuing push credentials", func() {
		_, err := ecr.CredentialsFor(ctx, "my-app", registry.ScopePush)
		Expect(err).ToNot(HaveOccurred())
		Expect(ecrapi.Repositories).To(HaveKey("rise/my-app"))

		// Second push finds the repository and does not recreate it.
		_, err = ecr.CredentialsFor(ctx, "my-app", registry.ScopePush)
		Expect(err).ToNot(HaveOccurred())
		Expect(ecrapi.CreateRepoCalls).To(HaveLen(1))
	})
	It("should not create repositories for pull scope", func() {
		_, err := ecr.CredentialsFor(ctx, "my-app", registry.ScopePull)
		Expect(err).ToNot(HaveOccurred())
		Expect(ecrapi.CreateRepoCalls).To(BeEmpty())
	})
	It("should decode the authorization token into username and password", func() {
		creds, err := ecr.CredentialsFor(ctx, "my-app", registry.ScopePull)
		Expect(err).ToNot(HaveOccurred())
		Expect(creds.Username).To(Equal("AWS"))
		Expect(creds.Password).To(Equal("ecr-password"))
		Expect(creds.Repository).To(Equal("123456789012.dkr.ecr.us-east-1.amazonaws.com/rise/my-app"))
	})
})
