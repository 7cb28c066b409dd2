package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medledger/internal/domain/account"
	"github.com/ehr/medledger/internal/ledger"
)

// Vault binds the account store to the system secret.
type Vault struct {
	accounts account.Repository
	secret   string
	logger   zerolog.Logger
}

// New creates a Vault. secret must stay stable for the lifetime of the stored
// ciphertexts; changing it requires Rotate.
func New(accounts account.Repository, secret string, logger zerolog.Logger) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault: system secret is required")
	}
	return &Vault{
		accounts: accounts,
		secret:   secret,
		logger:   logger.With().Str("component", "vault").Logger(),
	}, nil
}

// WithSigner decrypts the account's mnemonic, derives its keypair and passes it to fn.
// The key is wiped when fn returns and must not be retained.
func (v *Vault) WithSigner(ctx context.Context, accountID uuid.UUID, fn func(*Keypair) error) error {
	const op = "vault signer"

	acct, err := v.accounts.FindByID(ctx, accountID)
	if errors.Is(err, account.ErrNotFound) {
		return ledger.Errorf(ledger.KindAccountNotFound, op, "account %s", accountID)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !acct.HasWallet() {
		return ledger.Errorf(ledger.KindAccountNotFound, op, "account %s has no ledger identity", accountID)
	}

	mnemonic, err := DecryptMnemonic(*acct.EncryptedMnemonic, v.secret)
	if err != nil {
		v.logger.Error().Str("account_id", accountID.String()).Msg("stored mnemonic could not be decrypted")
		return err
	}
	kp, err := DeriveKeypair(mnemonic)
	if err != nil {
		return ledger.E(ledger.KindDecryptionFailed, op, err)
	}
	defer kp.Wipe()

	if kp.Address() != account.NormalizeAddress(*acct.LedgerAddress) {
		return ledger.Errorf(ledger.KindDecryptionFailed, op,
			"derived address does not match stored address for account %s", accountID)
	}
	return fn(kp)
}

// ResolveAddress maps a ledger address to the account that owns it. It returns nil
// without error when the address belongs to no known account.
func (v *Vault) ResolveAddress(ctx context.Context, address string) (*account.Summary, error) {
	acct, err := v.accounts.FindByLedgerAddress(ctx, address)
	if errors.Is(err, account.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve address: %w", err)
	}
	return acct.Summary(), nil
}

// Provision creates a wallet for an account that has none and stores it encrypted.
// The plaintext mnemonic never leaves this call.
func (v *Vault) Provision(ctx context.Context, accountID uuid.UUID) (string, error) {
	const op = "vault provision"

	acct, err := v.accounts.FindByID(ctx, accountID)
	if errors.Is(err, account.ErrNotFound) {
		return "", ledger.Errorf(ledger.KindAccountNotFound, op, "account %s", accountID)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if acct.LedgerAddress != nil {
		return "", fmt.Errorf("%s: %w", op, account.ErrAlreadyProvisioned)
	}

	w, err := CreateWallet()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	enc, err := EncryptMnemonic(w.Mnemonic, v.secret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := v.accounts.SetLedgerIdentity(ctx, accountID, w.Address, enc); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	v.logger.Info().
		Str("account_id", accountID.String()).
		Str("address", w.Address).
		Msg("ledger identity provisioned")
	return w.Address, nil
}

// Rotate re-encrypts every stored mnemonic from oldSecret to the vault's secret in one
// transaction. Identities already readable under the current secret are left as they are,
// so an interrupted rotation can be rerun. It returns the number of identities whose
// ciphertext changed.
func (v *Vault) Rotate(ctx context.Context, oldSecret string) (int, error) {
	if oldSecret == "" || oldSecret == v.secret {
		return 0, fmt.Errorf("vault rotate: old secret must be set and differ from the current secret")
	}

	n, err := v.accounts.RotateMnemonics(ctx, func(li account.LedgerIdentity) (string, error) {
		mnemonic, err := DecryptMnemonic(li.EncryptedMnemonic, oldSecret)
		if errors.Is(err, ledger.ErrDecryptionFailed) {
			if _, curErr := DecryptMnemonic(li.EncryptedMnemonic, v.secret); curErr == nil {
				return li.EncryptedMnemonic, nil
			}
		}
		if err != nil {
			return "", err
		}
		kp, err := DeriveKeypair(mnemonic)
		if err != nil {
			return "", ledger.E(ledger.KindDecryptionFailed, "vault rotate", err)
		}
		addr := kp.Address()
		kp.Wipe()
		if addr != account.NormalizeAddress(li.LedgerAddress) {
			return "", ledger.Errorf(ledger.KindDecryptionFailed, "vault rotate", "derived address mismatch")
		}
		return EncryptMnemonic(mnemonic, v.secret)
	})
	if err != nil {
		return 0, fmt.Errorf("vault rotate: %w", err)
	}

	v.logger.Info().Int("identities", n).Msg("system secret rotated")
	return n, nil
}
