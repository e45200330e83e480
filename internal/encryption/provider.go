package encryption

// Provider encrypts credential values before they reach storage and decrypts
// them on the way out. Every ciphertext is tagged with the id of the key
// version that produced it; rotation changes the active write key while old
// key ids stay decryptable.
type Provider interface {
	Encrypt(plaintext []byte) (ciphertext []byte, keyID string, err error)
	Decrypt(ciphertext []byte, keyID string) ([]byte, error)
	ActiveKeyID() string
}
