package account

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Account is the off-chain user record as far as the ledger bridge is concerned.
// LedgerAddress and EncryptedMnemonic are nil until a wallet has been provisioned.
type Account struct {
	ID                uuid.UUID `json:"id"`
	Role              string    `json:"role"`
	DisplayName       string    `json:"display_name"`
	AvatarURL         *string   `json:"avatar_url,omitempty"`
	LedgerAddress     *string   `json:"ledger_address,omitempty"`
	EncryptedMnemonic *string   `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// HasWallet reports whether the account can sign ledger calls.
func (a *Account) HasWallet() bool {
	return a.LedgerAddress != nil && a.EncryptedMnemonic != nil && *a.EncryptedMnemonic != ""
}

// Summary returns the human-readable view used to annotate ledger output.
func (a *Account) Summary() *Summary {
	return &Summary{
		ID:          a.ID,
		Role:        a.Role,
		DisplayName: a.DisplayName,
		AvatarURL:   a.AvatarURL,
	}
}

// Summary identifies the account behind a ledger address.
type Summary struct {
	ID          uuid.UUID `json:"id"`
	Role        string    `json:"role"`
	DisplayName string    `json:"display_name"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
}

// LedgerIdentity is one stored wallet, as seen by secret rotation.
type LedgerIdentity struct {
	AccountID         uuid.UUID
	LedgerAddress     string
	EncryptedMnemonic string
}

// NormalizeAddress lower-cases a ledger address and ensures the 0x prefix so lookups
// are insensitive to how the node formatted it.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}
