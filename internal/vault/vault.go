// Package vault encrypts provider credentials at rest with AES-256-GCM.
//
// Key material is versioned: the ciphertext carries the version of the key
// that sealed it, so rotating the key ring does not invalidate previously
// stored secrets. Decryption selects the ring key matching the stored
// version and fails hard — it never returns partial plaintext and callers
// must not fall back to an empty credential.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const nonceLen = 12

// ErrDecryptionFailed is returned when ciphertext cannot be opened with any
// matching ring key. Fatal for that credential; surfaced to the adapter.
var ErrDecryptionFailed = errors.New("vault: decryption failed")

// ErrNoKeys is returned when the vault is constructed without key material.
var ErrNoKeys = errors.New("vault: no keys configured")

// Vault holds a versioned key ring. The newest version encrypts; any
// version on the ring can decrypt.
type Vault struct {
	keys    map[int][]byte
	primary int
}

// New builds a vault from a key ring spec of the form
// "v2:<base64 32-byte key>,v1:<base64 32-byte key>". The first entry is the
// primary (encryption) key.
func New(ring string) (*Vault, error) {
	v := &Vault{keys: make(map[int][]byte)}
	for i, entry := range strings.Split(ring, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		ver, key, err := parseEntry(entry)
		if err != nil {
			return nil, err
		}
		v.keys[ver] = key
		if i == 0 {
			v.primary = ver
		}
	}
	if len(v.keys) == 0 {
		return nil, ErrNoKeys
	}
	return v, nil
}

func parseEntry(entry string) (int, []byte, error) {
	label, b64, ok := strings.Cut(entry, ":")
	if !ok || !strings.HasPrefix(label, "v") {
		return 0, nil, fmt.Errorf("vault: malformed key entry %q", label)
	}
	ver, err := strconv.Atoi(strings.TrimPrefix(label, "v"))
	if err != nil || ver < 1 {
		return 0, nil, fmt.Errorf("vault: bad key version %q", label)
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0, nil, fmt.Errorf("vault: decode key %s: %w", label, err)
	}
	if len(key) != 32 {
		return 0, nil, fmt.Errorf("vault: key %s must be 32 bytes, got %d", label, len(key))
	}
	return ver, key, nil
}

// NewEphemeral builds a single-key vault with a randomly generated key.
// Credentials sealed with it do not survive a restart; intended for
// local development without a configured key ring.
func NewEphemeral() (*Vault, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("vault: generate ephemeral key: %w", err)
	}
	return &Vault{keys: map[int][]byte{1: key}, primary: 1}, nil
}

// PrimaryVersion returns the version of the key used for new ciphertext.
func (v *Vault) PrimaryVersion() int { return v.primary }

// Encrypt seals plaintext with the primary key. Ciphertext format:
// "$v<version>$<base64(nonce|sealed)>".
func (v *Vault) Encrypt(plaintext string) (string, error) {
	key := v.keys[v.primary]

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: new gcm: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("$v%d$%s", v.primary, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens ciphertext produced by Encrypt, selecting the ring key
// matching the embedded version tag.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	ver, sealed, err := splitCiphertext(ciphertext)
	if err != nil {
		return "", err
	}
	key, ok := v.keys[ver]
	if !ok {
		return "", fmt.Errorf("%w: no key for version v%d", ErrDecryptionFailed, ver)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: new gcm: %w", err)
	}
	if len(sealed) < nonceLen {
		return "", ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, sealed[:nonceLen], sealed[nonceLen:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

func splitCiphertext(ct string) (int, []byte, error) {
	if !strings.HasPrefix(ct, "$v") {
		return 0, nil, fmt.Errorf("%w: missing version tag", ErrDecryptionFailed)
	}
	rest := ct[2:]
	verStr, b64, ok := strings.Cut(rest, "$")
	if !ok {
		return 0, nil, fmt.Errorf("%w: malformed ciphertext", ErrDecryptionFailed)
	}
	ver, err := strconv.Atoi(verStr)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: bad version tag", ErrDecryptionFailed)
	}
	sealed, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: bad encoding", ErrDecryptionFailed)
	}
	return ver, sealed, nil
}
