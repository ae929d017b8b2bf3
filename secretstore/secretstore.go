// Package secretstore manages the per-project RSA keypairs used to encrypt
// secret values in the scheduler's data and decrypt them just before a
// build's playbook phase runs.
package secretstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/zuul-ci/zuul-core/internal/jwkutil"
	"github.com/zuul-ci/zuul-core/model"
)

// Store holds decryption keys for every project this executor has served a
// build for, keyed by the project key id carried on each SecretRef.
type Store struct {
	mu   sync.RWMutex
	keys map[string]jwk.Key // project key id -> private key
}

func New() *Store {
	return &Store{keys: map[string]jwk.Key{}}
}

// GenerateProjectKey creates a fresh RSA-OAEP keypair for a project, returns
// the public key (for the scheduler side to encrypt with) and registers the
// private half in the store under keyID. Key generation and validation are
// delegated to internal/jwkutil rather than hand-rolled, the same helper
// used for any other JWK material this module handles.
func (s *Store) GenerateProjectKey(keyID string) (jwk.Key, error) {
	// jwkutil.NewKeyPair only accepts signature algorithms; PS256 selects
	// its RSA key-generation path. The key is re-tagged RSA_OAEP_256
	// immediately after, since this store uses it for JWE, not signing.
	privSet, pubSet, err := jwkutil.NewKeyPair(keyID, jwa.PS256)
	if err != nil {
		return nil, fmt.Errorf("secretstore: generating project key: %w", err)
	}
	privKey, ok := privSet.Key(0)
	if !ok {
		return nil, fmt.Errorf("secretstore: generated key set for %q is empty", keyID)
	}
	if err := privKey.Set(jwk.AlgorithmKey, jwa.RSA_OAEP_256); err != nil {
		return nil, err
	}

	pubKey, ok := pubSet.Key(0)
	if !ok {
		return nil, fmt.Errorf("secretstore: derived public key set for %q is empty", keyID)
	}
	if err := pubKey.Set(jwk.AlgorithmKey, jwa.RSA_OAEP_256); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.keys[keyID] = privKey
	s.mu.Unlock()

	return pubKey, nil
}

// LoadProjectKeyFromFile reads a JWKS file and registers the key identified
// by keyID (or the file's sole key, if keyID is empty) under keyID.
func (s *Store) LoadProjectKeyFromFile(path, keyID string) error {
	key, err := jwkutil.LoadKey(path, keyID)
	if err != nil {
		return fmt.Errorf("secretstore: loading project key from %s: %w", path, err)
	}
	s.LoadProjectKey(keyID, key)
	return nil
}

// LoadProjectKey registers an externally-provisioned private key under
// keyID.
func (s *Store) LoadProjectKey(keyID string, key jwk.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyID] = key
}

// Encrypt seals values for a project so only its private key can open them.
// It serves callers that provision secrets; nothing in this module calls it.
func (s *Store) Encrypt(keyID string, values map[string]string) ([]byte, error) {
	s.mu.RLock()
	priv, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("secretstore: no key registered for project key id %q", keyID)
	}
	pub, err := jwk.PublicKeyOf(priv)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return jwe.Encrypt(payload, jwe.WithKey(jwa.RSA_OAEP_256, pub))
}

// Decrypt opens a SecretRef's encrypted blob using its project key,
// returning the plaintext name/value map destined for extra vars.
func (s *Store) Decrypt(ctx context.Context, ref model.SecretRef) (model.DecryptedSecret, error) {
	s.mu.RLock()
	priv, ok := s.keys[ref.ProjectKeyID]
	s.mu.RUnlock()
	if !ok {
		return model.DecryptedSecret{}, fmt.Errorf(
			"secretstore: no key registered for project key id %q (secret %q)", ref.ProjectKeyID, ref.Name)
	}

	plaintext, err := jwe.Decrypt(ref.EncryptedBlob, jwe.WithKey(jwa.RSA_OAEP_256, priv))
	if err != nil {
		return model.DecryptedSecret{}, fmt.Errorf("secretstore: decrypting secret %q: %w", ref.Name, err)
	}

	var values map[string]string
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return model.DecryptedSecret{}, fmt.Errorf("secretstore: decoding secret %q: %w", ref.Name, err)
	}

	return model.DecryptedSecret{Name: ref.Name, Values: values}, nil
}

// DecryptAll resolves every SecretRef attached to a playbook.
func (s *Store) DecryptAll(ctx context.Context, refs []model.SecretRef) ([]model.DecryptedSecret, error) {
	out := make([]model.DecryptedSecret, 0, len(refs))
	for _, ref := range refs {
		d, err := s.Decrypt(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
