// Package credentials holds the transport session credentials: one
// structured record plus a keyed set of auxiliary key material. The
// record is only ever persisted when it is complete, so a crash during
// pairing can never leave a half-written session behind.
package credentials

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCredentials is returned when a persisted record fails the
// completeness check.
var ErrInvalidCredentials = errors.New("credential record incomplete")

// State is the lifecycle state of the working record.
type State int

const (
	// Empty means no field of the record is set.
	Empty State = iota
	// Partial means some but not all primary fields are set.
	Partial
	// Valid means every primary field is set.
	Valid
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Partial:
		return "partial"
	case Valid:
		return "valid"
	default:
		return "unknown"
	}
}

// KeyPair is a public/private key pair. JSON encodes the bytes as
// base64.
type KeyPair struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

func (k *KeyPair) present() bool {
	return k != nil && len(k.Public) > 0 && len(k.Private) > 0
}

func (k *KeyPair) clone() *KeyPair {
	if k == nil {
		return nil
	}
	return &KeyPair{
		Public:  append([]byte(nil), k.Public...),
		Private: append([]byte(nil), k.Private...),
	}
}

// SignedKeyPair is a key pair signed by the identity key.
type SignedKeyPair struct {
	KeyPair   KeyPair `json:"keyPair"`
	KeyID     int     `json:"keyId"`
	Signature []byte  `json:"signature"`
}

func (k *SignedKeyPair) present() bool {
	return k != nil && k.KeyPair.present() && len(k.Signature) > 0
}

func (k *SignedKeyPair) clone() *SignedKeyPair {
	if k == nil {
		return nil
	}
	return &SignedKeyPair{
		KeyPair:   *k.KeyPair.clone(),
		KeyID:     k.KeyID,
		Signature: append([]byte(nil), k.Signature...),
	}
}

// Account is the paired account as reported by the transport.
type Account struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// Record is the session credential record. NoiseKey,
// SignedIdentityKey and SignedPreKey are the primary fields; the record
// is valid only when all three are present.
type Record struct {
	NoiseKey          *KeyPair       `json:"noiseKey,omitempty"`
	SignedIdentityKey *KeyPair       `json:"signedIdentityKey,omitempty"`
	SignedPreKey      *SignedKeyPair `json:"signedPreKey,omitempty"`

	// IdentityKeys holds the remote identity keys the session trusts,
	// by remote address.
	IdentityKeys map[string][]byte `json:"identityKeys,omitempty"`
	// PreKeys holds the one-time pre-keys generated for this session,
	// by key id. Key records carry the same keys once uploaded.
	PreKeys map[int]KeyPair `json:"preKeys,omitempty"`

	RegistrationID  int      `json:"registrationId,omitempty"`
	AdvSecretKey    string   `json:"advSecretKey,omitempty"`
	NextPreKeyID    int      `json:"nextPreKeyId,omitempty"`
	FirstUnuploaded int      `json:"firstUnuploadedPreKeyId,omitempty"`
	Account         *Account `json:"account,omitempty"`
	Registered      bool     `json:"registered"`
}

// Missing lists the primary fields that are not present.
func (r *Record) Missing() []string {
	var out []string
	if !r.NoiseKey.present() {
		out = append(out, "noiseKey")
	}
	if !r.SignedIdentityKey.present() {
		out = append(out, "signedIdentityKey")
	}
	if !r.SignedPreKey.present() {
		out = append(out, "signedPreKey")
	}
	return out
}

// Valid reports whether every primary field is present.
func (r *Record) Valid() bool {
	return len(r.Missing()) == 0
}

// Validate returns an error wrapping [ErrInvalidCredentials] that names
// the missing primary fields, or nil for a valid record.
func (r *Record) Validate() error {
	if missing := r.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// State classifies the record.
func (r *Record) State() State {
	if r.Valid() {
		return Valid
	}
	if r.isZero() {
		return Empty
	}
	return Partial
}

func (r *Record) isZero() bool {
	return r.NoiseKey == nil &&
		r.SignedIdentityKey == nil &&
		r.SignedPreKey == nil &&
		len(r.IdentityKeys) == 0 &&
		len(r.PreKeys) == 0 &&
		r.RegistrationID == 0 &&
		r.AdvSecretKey == "" &&
		r.NextPreKeyID == 0 &&
		r.FirstUnuploaded == 0 &&
		r.Account == nil &&
		!r.Registered
}

// Clone returns a deep copy of r.
func (r *Record) Clone() Record {
	c := *r
	c.NoiseKey = r.NoiseKey.clone()
	c.SignedIdentityKey = r.SignedIdentityKey.clone()
	c.SignedPreKey = r.SignedPreKey.clone()
	if r.IdentityKeys != nil {
		c.IdentityKeys = make(map[string][]byte, len(r.IdentityKeys))
		for addr, key := range r.IdentityKeys {
			c.IdentityKeys[addr] = append([]byte(nil), key...)
		}
	}
	if r.PreKeys != nil {
		c.PreKeys = make(map[int]KeyPair, len(r.PreKeys))
		for id, kp := range r.PreKeys {
			c.PreKeys[id] = *kp.clone()
		}
	}
	if r.Account != nil {
		a := *r.Account
		c.Account = &a
	}
	return c
}

// describeMissing formats Missing for log output.
func describeMissing(r *Record) string {
	return strings.Join(r.Missing(), ",")
}
