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
	"bytes"
	"context"
	"errors"

	"github.com/rise-dev/rise/pkg/providers/encryption"
)

var encryptedPrefix = []byte("fake-encrypted:")

// Encrypter is a reversible encryption.Provider: ciphertext is the plaintext
// behind a recognizable prefix, so tests can assert both that a value was
// encrypted and what it decrypts to.
type Encrypter struct {
	EncryptErr error
	DecryptErr error
}

var _ encryption.Provider = (*Encrypter)(nil)

func (e *Encrypter) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if e.EncryptErr != nil {
		return nil, e.EncryptErr
	}
	return append(append([]byte{}, encryptedPrefix...), plaintext...), nil
}

func (e *Encrypter) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if e.DecryptErr != nil {
		return nil, e.DecryptErr
	}
	if !bytes.HasPrefix(ciphertext, encryptedPrefix) {
		return nil, errors.New("ciphertext was not produced by this provider")
	}
	return bytes.TrimPrefix(ciphertext, encryptedPrefix), nil
}
