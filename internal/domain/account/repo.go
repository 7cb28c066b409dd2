package account

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("account not found")
	ErrAlreadyProvisioned = errors.New("account already has a ledger identity")
	ErrAddressInUse       = errors.New("ledger address already assigned")
)

// RotateFunc returns the re-encrypted mnemonic for one stored identity.
type RotateFunc func(id LedgerIdentity) (string, error)

type Repository interface {
	Create(ctx context.Context, a *Account) error
	FindByID(ctx context.Context, id uuid.UUID) (*Account, error)
	FindByLedgerAddress(ctx context.Context, address string) (*Account, error)

	// SetLedgerIdentity stores a wallet for an account that has none.
	SetLedgerIdentity(ctx context.Context, id uuid.UUID, address, encryptedMnemonic string) error

	// RotateMnemonics rewrites every stored mnemonic through fn atomically: either all
	// identities are updated or none are. An identity for which fn returns the stored
	// ciphertext unchanged is left alone. It returns the number of rows rewritten.
	RotateMnemonics(ctx context.Context, fn RotateFunc) (int, error)
}
