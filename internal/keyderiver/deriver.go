package keyderiver

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// appKeyPathPrefix domain-separates platform key derivation from any other
// use of the master seed. Compromise of one derived key path yields no
// information about another.
const appKeyPathPrefix = "b0ase/custody/app-key/v1/"

// SecretProvider hands out the master seed. It is injected so the deriver
// is testable with synthetic seeds and swappable per deployment.
type SecretProvider interface {
	MasterSeed() ([]byte, error)
}

// StaticSeed is a SecretProvider backed by an in-process copy of the seed,
// typically decoded from configuration at startup.
type StaticSeed []byte

func (s StaticSeed) MasterSeed() ([]byte, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("master seed is empty")
	}
	return s, nil
}

// NewStaticSeedFromHex decodes a hex seed from configuration. An absent or
// malformed seed is a configuration error, fatal at startup.
func NewStaticSeedFromHex(seedHex string) (StaticSeed, error) {
	if seedHex == "" {
		return nil, fmt.Errorf("custody master seed is not configured")
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("fail to decode master seed, err: %w", err)
	}
	return StaticSeed(seed), nil
}

// KeyPair is a derived platform signing key.
type KeyPair struct {
	PrivateKey *btcec.PrivateKey
	PublicKey  *btcec.PublicKey
}

// CompressedPublicKey returns the 33 byte compressed public key.
func (k *KeyPair) CompressedPublicKey() []byte {
	return k.PublicKey.SerializeCompressed()
}

type Deriver struct {
	secrets SecretProvider
}

func NewDeriver(secrets SecretProvider) (*Deriver, error) {
	if _, err := secrets.MasterSeed(); err != nil {
		return nil, fmt.Errorf("invalid secret provider: %w", err)
	}
	return &Deriver{secrets: secrets}, nil
}

// KeyPath returns the opaque derivation tag stored on the vault record so
// the platform key can be regenerated without being stored in cleartext.
func KeyPath(userID string) string {
	return appKeyPathPrefix + userID
}

// DeriveAppKey turns (master seed, user id) into a deterministic platform
// key pair. Same inputs always produce the same pair; no randomness, no I/O.
func (d *Deriver) DeriveAppKey(userID string) (*KeyPair, error) {
	seed, err := d.secrets.MasterSeed()
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha512.New, seed)
	mac.Write([]byte(KeyPath(userID)))
	digest := mac.Sum(nil)

	// PrivKeyFromBytes reduces the 32 byte scalar modulo the curve order.
	priv, pub := btcec.PrivKeyFromBytes(digest[:32])
	return &KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}
