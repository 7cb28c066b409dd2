package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/medledger/internal/platform/db"
)

const uniqueViolation = "23505"

type accountRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &accountRepoPG{pool: pool}
}

const accountCols = `id, role, display_name, avatar_url, ledger_address, ledger_mnemonic_enc, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Role, &a.DisplayName, &a.AvatarURL,
		&a.LedgerAddress, &a.EncryptedMnemonic, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *accountRepoPG) Create(ctx context.Context, a *Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.LedgerAddress != nil {
		addr := NormalizeAddress(*a.LedgerAddress)
		a.LedgerAddress = &addr
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO ledger_account (`+accountCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Role, a.DisplayName, a.AvatarURL, a.LedgerAddress, a.EncryptedMnemonic, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account create: %w", ErrAddressInUse)
		}
		return fmt.Errorf("account create: %w", err)
	}
	return nil
}

func (r *accountRepoPG) FindByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	a, err := scanAccount(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+accountCols+` FROM ledger_account WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("account find by id: %w", err)
	}
	return a, nil
}

func (r *accountRepoPG) FindByLedgerAddress(ctx context.Context, address string) (*Account, error) {
	a, err := scanAccount(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+accountCols+` FROM ledger_account WHERE ledger_address = $1`, NormalizeAddress(address)))
	if err != nil {
		return nil, fmt.Errorf("account find by ledger address: %w", err)
	}
	return a, nil
}

func (r *accountRepoPG) SetLedgerIdentity(ctx context.Context, id uuid.UUID, address, encryptedMnemonic string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE ledger_account
		SET ledger_address = $2, ledger_mnemonic_enc = $3, updated_at = NOW()
		WHERE id = $1 AND ledger_address IS NULL`,
		id, NormalizeAddress(address), encryptedMnemonic)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account set ledger identity: %w", ErrAddressInUse)
		}
		return fmt.Errorf("account set ledger identity: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a missing account from one that is already provisioned.
	if _, err := r.FindByID(ctx, id); err != nil {
		return fmt.Errorf("account set ledger identity: %w", err)
	}
	return fmt.Errorf("account set ledger identity: %w", ErrAlreadyProvisioned)
}

func (r *accountRepoPG) RotateMnemonics(ctx context.Context, fn RotateFunc) (int, error) {
	count := 0
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, r.pool)
		rows, err := q.Query(ctx, `
			SELECT id, ledger_address, ledger_mnemonic_enc FROM ledger_account
			WHERE ledger_mnemonic_enc IS NOT NULL
			ORDER BY id
			FOR UPDATE`)
		if err != nil {
			return err
		}
		var identities []LedgerIdentity
		for rows.Next() {
			var li LedgerIdentity
			if err := rows.Scan(&li.AccountID, &li.LedgerAddress, &li.EncryptedMnemonic); err != nil {
				rows.Close()
				return err
			}
			identities = append(identities, li)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, li := range identities {
			enc, err := fn(li)
			if err != nil {
				return fmt.Errorf("account %s: %w", li.AccountID, err)
			}
			if enc == li.EncryptedMnemonic {
				continue
			}
			if _, err := q.Exec(ctx,
				`UPDATE ledger_account SET ledger_mnemonic_enc = $2, updated_at = NOW() WHERE id = $1`,
				li.AccountID, enc); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("account rotate mnemonics: %w", err)
	}
	return count, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
