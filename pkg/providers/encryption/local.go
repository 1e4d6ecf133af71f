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

package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"
)

// Local seals values with AES-256-GCM (96-bit nonce, 128-bit tag) under a
// process-wide key loaded from configuration.
type Local struct {
	aead cipher.AEAD
}

func NewLocal(keyPath string) (*Local, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading encryption key, %w", err)
	}
	return NewLocalWithKey(key)
}

func NewLocalWithKey(key []byte) (*Local, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("local encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Local{aead: aead}, nil
}

func (l *Local) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+l.aead.Overhead())
	out = append(out, versionLocal)
	out = append(out, nonce...)
	return l.aead.Seal(out, nonce, plaintext, nil), nil
}

func (l *Local) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 1+l.aead.NonceSize() || ciphertext[0] != versionLocal {
		return nil, ErrMalformedCiphertext
	}
	nonce := ciphertext[1 : 1+l.aead.NonceSize()]
	sealed := ciphertext[1+l.aead.NonceSize():]
	plaintext, err := l.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed value, %w", err)
	}
	return plaintext, nil
}
