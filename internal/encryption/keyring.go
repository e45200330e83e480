package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/aegis/pkg/schema"
)

// KeyringConfig configures key derivation for the keyring.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type KeyringConfig struct {
	MasterKey     []byte // raw 32-byte key (takes priority)
	Passphrase    string // derive the master key via PBKDF2
	Salt          []byte // salt for PBKDF2 (required with Passphrase)
	Iterations    int    // PBKDF2 iterations (default 100_000)
	ActiveVersion int    // key version used for new writes (default 1)
}

// Keyring is an AES-256-GCM Provider whose per-version keys are expanded
// from one master key with HKDF, the key id as info string. Any previously
// issued key id can be re-derived on demand, so ciphertexts written under
// older versions stay readable after the active version advances.
type Keyring struct {
	master []byte
	active string

	mu    sync.RWMutex
	aeads map[string]cipher.AEAD
}

const maxKeyVersion = 9999

// NewKeyring creates a keyring with AES-256-GCM encryption.
func NewKeyring(cfg KeyringConfig) (*Keyring, error) {
	master, err := deriveMasterKey(cfg)
	if err != nil {
		return nil, err
	}
	version := cfg.ActiveVersion
	if version <= 0 {
		version = 1
	}
	if version > maxKeyVersion {
		return nil, schema.NewErrorf(schema.ErrCodeEncryption,
			"active key version %d out of range", version)
	}
	k := &Keyring{
		master: master,
		active: keyIDFor(version),
		aeads:  make(map[string]cipher.AEAD),
	}
	// Fail fast if the active key cannot be derived.
	if _, err := k.aeadFor(k.active); err != nil {
		return nil, err
	}
	return k, nil
}

func deriveMasterKey(cfg KeyringConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeEncryption,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeEncryption, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeEncryption, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func keyIDFor(version int) string {
	return "v" + strconv.Itoa(version)
}

// ActiveKeyID returns the key id new writes are encrypted under.
func (k *Keyring) ActiveKeyID() string { return k.active }

// Encrypt seals plaintext under the active key version and returns the
// ciphertext (nonce-prefixed) together with the key id that produced it.
func (k *Keyring) Encrypt(plaintext []byte) ([]byte, string, error) {
	aead, err := k.aeadFor(k.active)
	if err != nil {
		return nil, "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, "", fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), k.active, nil
}

// Decrypt opens a ciphertext written under any key id this keyring can
// derive. Failures are DECRYPTION_ERROR and must be surfaced by callers,
// never converted into an absent value.
func (k *Keyring) Decrypt(ciphertext []byte, keyID string) ([]byte, error) {
	version, ok := parseKeyID(keyID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDecryption, "unknown encryption key id %q", keyID)
	}
	aead, err := k.aeadFor(keyIDFor(version))
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeDecryption, "ciphertext too short")
	}
	nonce := ciphertext[:nonceSize]
	ct := ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDecryption, "decrypt failed under key %s: %s", keyID, err.Error())
	}
	return plaintext, nil
}

func parseKeyID(keyID string) (int, bool) {
	rest, found := strings.CutPrefix(keyID, "v")
	if !found {
		return 0, false
	}
	version, err := strconv.Atoi(rest)
	if err != nil || version < 1 || version > maxKeyVersion {
		return 0, false
	}
	return version, true
}

func (k *Keyring) aeadFor(keyID string) (cipher.AEAD, error) {
	k.mu.RLock()
	aead, ok := k.aeads[keyID]
	k.mu.RUnlock()
	if ok {
		return aead, nil
	}

	key, err := hkdf.Key(sha256.New, k.master, nil, "aegis/credential/"+keyID, 32)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEncryption, "derive key %s: %s", keyID, err.Error())
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	k.mu.Lock()
	k.aeads[keyID] = aead
	k.mu.Unlock()
	return aead, nil
}
