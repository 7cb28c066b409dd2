package hipaa

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Envelope format: "v{version}:" followed by base64(salt || nonce || ciphertext).
// The version selects the key derivation parameters so stored envelopes stay readable
// if the parameters are raised later.
const (
	envelopePrefix    = "v"
	envelopeSeparator = ":"
	currentVersion    = 1
	saltSize          = 16
)

type kdfParams struct {
	N, R, P int
}

var kdfVersions = map[int]kdfParams{
	1: {N: 1 << 15, R: 8, P: 1},
}

// DeriveKey stretches secret into a 32-byte AES key using scrypt with the parameters of version.
func DeriveKey(secret, salt []byte, version int) ([]byte, error) {
	params, ok := kdfVersions[version]
	if !ok {
		return nil, fmt.Errorf("derive key: unknown envelope version %d", version)
	}
	key, err := scrypt.Key(secret, salt, params.N, params.R, params.P, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// SealWithSecret encrypts plaintext under a key derived from secret and a fresh salt.
func SealWithSecret(secret, plaintext []byte) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("seal: empty secret")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("seal: generate salt: %w", err)
	}
	key, err := DeriveKey(secret, salt, currentVersion)
	if err != nil {
		return "", err
	}
	defer wipe(key)

	c, err := NewKeyCipher(key)
	if err != nil {
		return "", err
	}
	sealed, err := c.Seal(plaintext, salt)
	if err != nil {
		return "", err
	}

	body := make([]byte, 0, len(salt)+len(sealed))
	body = append(body, salt...)
	body = append(body, sealed...)
	return fmt.Sprintf("%s%d%s%s", envelopePrefix, currentVersion, envelopeSeparator,
		base64.StdEncoding.EncodeToString(body)), nil
}

// OpenWithSecret reverses SealWithSecret. A wrong secret or a modified envelope returns
// ErrAuthentication; a structurally invalid envelope returns a descriptive error.
func OpenWithSecret(secret []byte, envelope string) ([]byte, error) {
	version, body, err := parseEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	if len(body) <= saltSize {
		return nil, fmt.Errorf("open: envelope too short")
	}
	salt, sealed := body[:saltSize], body[saltSize:]

	key, err := DeriveKey(secret, salt, version)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	c, err := NewKeyCipher(key)
	if err != nil {
		return nil, err
	}
	return c.Open(sealed, salt)
}

// EnvelopeVersion returns the version tag of envelope.
func EnvelopeVersion(envelope string) (int, error) {
	v, _, err := parseEnvelope(envelope)
	return v, err
}

func parseEnvelope(envelope string) (int, []byte, error) {
	if !strings.HasPrefix(envelope, envelopePrefix) {
		return 0, nil, fmt.Errorf("open: missing version prefix")
	}
	idx := strings.Index(envelope, envelopeSeparator)
	if idx < 0 {
		return 0, nil, fmt.Errorf("open: missing version separator")
	}
	version, err := strconv.Atoi(envelope[len(envelopePrefix):idx])
	if err != nil {
		return 0, nil, fmt.Errorf("open: invalid version: %w", err)
	}
	body, err := base64.StdEncoding.DecodeString(envelope[idx+len(envelopeSeparator):])
	if err != nil {
		return 0, nil, fmt.Errorf("open: base64 decode: %w", err)
	}
	return version, body, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
