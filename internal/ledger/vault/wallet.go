// Package vault is the only place that handles raw ledger key material. Mnemonics are
// stored encrypted under the system secret and decrypted for exactly one signing
// operation at a time.
package vault

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/tyler-smith/go-bip39"

	"github.com/ehr/medledger/internal/ledger"
	"github.com/ehr/medledger/internal/platform/hipaa"
)

// mnemonicEntropyBits yields a 12-word mnemonic.
const mnemonicEntropyBits = 128

// Wallet is freshly generated key material. Mnemonic must be encrypted and persisted
// exactly once by the caller and never logged.
type Wallet struct {
	Mnemonic string `json:"mnemonic"`
	Address  string `json:"address"`
}

// Keypair is an ed25519 signing key derived from a mnemonic.
type Keypair struct {
	priv    ed25519.PrivateKey
	address string
}

// CreateWallet generates a new 12-word mnemonic and the address of the key it derives.
func CreateWallet() (Wallet, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return Wallet{}, fmt.Errorf("create wallet: entropy: %w", err)
	}
	defer wipe(entropy)

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return Wallet{}, fmt.Errorf("create wallet: mnemonic: %w", err)
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return Wallet{}, fmt.Errorf("create wallet: generated mnemonic failed validation")
	}

	kp, err := DeriveKeypair(mnemonic)
	if err != nil {
		return Wallet{}, fmt.Errorf("create wallet: %w", err)
	}
	defer kp.Wipe()

	return Wallet{Mnemonic: mnemonic, Address: kp.Address()}, nil
}

// DeriveKeypair deterministically derives the signing key for mnemonic.
func DeriveKeypair(mnemonic string) (*Keypair, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("derive keypair: invalid mnemonic")
	}
	defer wipe(seed)

	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	pub := priv.Public().(ed25519.PublicKey)
	return &Keypair{priv: priv, address: "0x" + hex.EncodeToString(pub)}, nil
}

// Address is the ledger account id: 0x followed by the hex public key.
func (k *Keypair) Address() string { return k.address }

// PublicKey returns the verification key.
func (k *Keypair) PublicKey() ed25519.PublicKey {
	return k.priv.Public().(ed25519.PublicKey)
}

// Sign signs msg. It panics if called after Wipe.
func (k *Keypair) Sign(msg []byte) []byte {
	if k.priv == nil {
		panic("vault: keypair used after wipe")
	}
	return ed25519.Sign(k.priv, msg)
}

// Wipe zeroes the private key.
func (k *Keypair) Wipe() {
	wipe(k.priv)
	k.priv = nil
}

// EncryptMnemonic seals mnemonic under secret. Only valid mnemonics are accepted.
func EncryptMnemonic(mnemonic, secret string) (string, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", fmt.Errorf("encrypt mnemonic: invalid mnemonic")
	}
	out, err := hipaa.SealWithSecret([]byte(secret), []byte(mnemonic))
	if err != nil {
		return "", fmt.Errorf("encrypt mnemonic: %w", err)
	}
	return out, nil
}

// DecryptMnemonic opens ciphertext with secret. A wrong secret, a corrupted envelope or
// a plaintext that is not a valid mnemonic fail with ledger.ErrDecryptionFailed; no
// partial output is ever returned.
func DecryptMnemonic(ciphertext, secret string) (string, error) {
	const op = "decrypt mnemonic"
	plain, err := hipaa.OpenWithSecret([]byte(secret), ciphertext)
	if err != nil {
		return "", ledger.E(ledger.KindDecryptionFailed, op, err)
	}
	defer wipe(plain)

	if len(plain) == 0 {
		return "", ledger.Errorf(ledger.KindDecryptionFailed, op, "empty plaintext")
	}
	mnemonic := string(plain)
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", ledger.Errorf(ledger.KindDecryptionFailed, op, "plaintext is not a valid mnemonic")
	}
	return mnemonic, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
