// Package cryptoutil provides the cryptographic primitives the runtime
// relies on: Ed25519 signing, X25519 key exchange, ChaCha20-Poly1305
// encryption and SHA-256 hashing (spec §9, "Cryptographic primitives" —
// "choose well-reviewed libraries; do not implement").
//
// Grounded on the teacher's internal/crypto package, which derives keys
// with HKDF and performs AES-GCM encryption; this version swaps the
// teacher's secp256r1/AES-GCM pairing (built for Neo N3 transaction
// signing) for the Ed25519/X25519/ChaCha20-Poly1305 triple spec §9
// prescribes for agent identity and bus encryption.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// SigningKeyPair is an agent's or the runtime's Ed25519 identity.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKeyPair creates a new Ed25519 keypair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &SigningKeyPair{Public: pub, Private: priv}, nil
}

// SigningKeyPairFromSeed reconstructs a deterministic Ed25519 keypair from
// a persisted 32-byte seed, used to restore the runtime's audit signing
// identity across restarts from a SecretProvider-backed value.
func SigningKeyPairFromSeed(seed []byte) (*SigningKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &SigningKeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// Sign signs data with the keypair's private key.
func (kp *SigningKeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(kp.Private, data)
}

// Verify verifies sig over data under the given Ed25519 public key.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// EncryptionKeyPair is an agent's X25519 key-exchange identity.
type EncryptionKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateEncryptionKeyPair creates a new X25519 keypair.
func GenerateEncryptionKeyPair() (*EncryptionKeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("generate x25519 private key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 public key: %w", err)
	}
	var pubArr [32]byte
	copy(pubArr[:], pub)
	return &EncryptionKeyPair{Public: pubArr, Private: priv}, nil
}

// SharedSecret performs X25519 Diffie-Hellman between this keypair's
// private key and a peer's public key.
func (kp *EncryptionKeyPair) SharedSecret(peerPublic [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.Private[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 dh: %w", err)
	}
	return secret, nil
}

// DeriveConversationKey derives a ChaCha20-Poly1305 symmetric key from a
// shared secret using HKDF-SHA256, salted by the conversation identifier
// and the current ratchet generation (spec §4.6: "ratcheted every N
// messages or T seconds").
func DeriveConversationKey(sharedSecret []byte, conversationID string, generation uint64) ([]byte, error) {
	salt := []byte(fmt.Sprintf("%s:%d", conversationID, generation))
	reader := hkdf.New(sha256.New, sharedSecret, salt, []byte("symbiont-bus-v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive conversation key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under key with ChaCha20-Poly1305, returning a
// fresh random 96-bit nonce and the ciphertext (which includes the
// authentication tag, per the AEAD convention).
func Encrypt(key, plaintext, additionalData []byte) (nonce [12]byte, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nonce, nil, fmt.Errorf("init aead: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce[:], plaintext, additionalData)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext sealed by Encrypt.
func Decrypt(key []byte, nonce [12]byte, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// HashChain computes SHA-256(sequence_number ‖ timestamp ‖ actor ‖
// event_type ‖ details ‖ prev_hash), the self_hash construction from spec
// §3/§4.7. Callers pass the already-canonicalized byte segments.
func HashChain(segments ...[]byte) [32]byte {
	h := sha256.New()
	for _, s := range segments {
		h.Write(s)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MerkleRoot folds a list of 32-byte hashes into a single root hash,
// duplicating the final node on odd levels. Used by the Audit Chain's
// batch-sealing path (spec §4.7: "batch signing supported... using a
// Merkle root... for bursts").
func MerkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return [32]byte{}
	}
	level := leaves
	for len(level) > 1 {
		var next [][32]byte
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, HashChain(level[i][:], level[i+1][:]))
			} else {
				next = append(next, HashChain(level[i][:], level[i][:]))
			}
		}
		level = next
	}
	return level[0]
}

// GenerateRandomBytes returns n cryptographically secure random bytes.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
