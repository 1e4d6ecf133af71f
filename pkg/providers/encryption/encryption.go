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

// Package encryption envelope-encrypts secret env var values. Ciphertexts are
// versioned by a leading provider byte so a database can migrate between
// providers without re-encrypting in place.
package encryption

import (
	"context"
	"errors"
)

type Provider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

const (
	versionLocal byte = 0x01
	versionKMS   byte = 0x02
)

var ErrMalformedCiphertext = errors.New("malformed ciphertext")
