package ledgertest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medledger/internal/domain/account"
)

// Accounts is an in-memory account.Repository.
type Accounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]account.Account
	lookups  int
}

func NewAccounts() *Accounts {
	return &Accounts{accounts: make(map[uuid.UUID]account.Account)}
}

// AddressLookups returns how many FindByLedgerAddress calls were served.
func (r *Accounts) AddressLookups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}

func (r *Accounts) Create(_ context.Context, a *account.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.LedgerAddress != nil {
		addr := account.NormalizeAddress(*a.LedgerAddress)
		for _, other := range r.accounts {
			if other.LedgerAddress != nil && *other.LedgerAddress == addr {
				return account.ErrAddressInUse
			}
		}
		a.LedgerAddress = &addr
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	r.accounts[a.ID] = *a
	return nil
}

func (r *Accounts) FindByID(_ context.Context, id uuid.UUID) (*account.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	return &a, nil
}

func (r *Accounts) FindByLedgerAddress(_ context.Context, address string) (*account.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	addr := account.NormalizeAddress(address)
	for _, a := range r.accounts {
		if a.LedgerAddress != nil && *a.LedgerAddress == addr {
			a := a
			return &a, nil
		}
	}
	return nil, account.ErrNotFound
}

func (r *Accounts) SetLedgerIdentity(_ context.Context, id uuid.UUID, address, enc string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return account.ErrNotFound
	}
	if a.LedgerAddress != nil {
		return account.ErrAlreadyProvisioned
	}
	addr := account.NormalizeAddress(address)
	a.LedgerAddress, a.EncryptedMnemonic = &addr, &enc
	a.UpdatedAt = time.Now().UTC()
	r.accounts[id] = a
	return nil
}

func (r *Accounts) RotateMnemonics(_ context.Context, fn account.RotateFunc) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[uuid.UUID]string)
	for id, a := range r.accounts {
		if a.EncryptedMnemonic == nil {
			continue
		}
		enc, err := fn(account.LedgerIdentity{AccountID: id, LedgerAddress: *a.LedgerAddress, EncryptedMnemonic: *a.EncryptedMnemonic})
		if err != nil {
			return 0, err
		}
		if enc != *a.EncryptedMnemonic {
			next[id] = enc
		}
	}
	for id, enc := range next {
		a := r.accounts[id]
		enc := enc
		a.EncryptedMnemonic = &enc
		r.accounts[id] = a
	}
	return len(next), nil
}
