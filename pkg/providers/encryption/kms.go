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
	"encoding/binary"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMS encrypts each value with a fresh data key and stores the key wrapped by
// the configured customer key alongside the ciphertext. Decryption calls KMS
// to unwrap.
type KMS struct {
	api   KMSAPI
	keyID string
}

func NewKMS(api KMSAPI, keyID string) *KMS {
	return &KMS{api: api, keyID: keyID}
}

func (k *KMS) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	dk, err := k.api.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(k.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("generating data key, %w", err)
	}
	aead, err := newAEAD(dk.Plaintext)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	// Layout: version, uint16 wrapped-key length, wrapped key, nonce, sealed.
	out := make([]byte, 0, 3+len(dk.CiphertextBlob)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, versionKMS)
	out = binary.BigEndian.AppendUint16(out, uint16(len(dk.CiphertextBlob)))
	out = append(out, dk.CiphertextBlob...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

func (k *KMS) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 3 || ciphertext[0] != versionKMS {
		return nil, ErrMalformedCiphertext
	}
	wrappedLen := int(binary.BigEndian.Uint16(ciphertext[1:3]))
	if len(ciphertext) < 3+wrappedLen {
		return nil, ErrMalformedCiphertext
	}
	wrapped := ciphertext[3 : 3+wrappedLen]

	dk, err := k.api.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrapped})
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key, %w", err)
	}
	aead, err := newAEAD(dk.Plaintext)
	if err != nil {
		return nil, err
	}
	rest := ciphertext[3+wrappedLen:]
	if len(rest) < aead.NonceSize() {
		return nil, ErrMalformedCiphertext
	}
	plaintext, err := aead.Open(nil, rest[:aead.NonceSize()], rest[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed value, %w", err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
