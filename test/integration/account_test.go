package integration

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medledger/internal/domain/account"
	"github.com/ehr/medledger/internal/domain/record"
	"github.com/ehr/medledger/internal/ledger"
	"github.com/ehr/medledger/internal/ledger/gateway"
	"github.com/ehr/medledger/internal/ledger/ledgertest"
	"github.com/ehr/medledger/internal/ledger/reader"
	"github.com/ehr/medledger/internal/ledger/vault"
	"github.com/ehr/medledger/internal/platform/db"
	"github.com/ehr/medledger/migrations"
)

// Every identity stored by these tests is encrypted under testSecret.
const testSecret = "integration-system-secret-0001"

var errRollback = errors.New("rollback")

func TestMigrations(t *testing.T) {
	pool := requirePool(t)
	ctx := context.Background()
	m := db.NewMigrator(pool, migrations.Files)

	n, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if n != 0 {
		t.Errorf("expected re-run to apply nothing, applied %d", n)
	}

	statuses, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(statuses) == 0 {
		t.Fatal("expected at least one migration")
	}
	for _, s := range statuses {
		if !s.Applied || s.AppliedAt == nil {
			t.Errorf("migration %d %s not applied", s.Version, s.Name)
		}
	}
}

func TestAccountRepo(t *testing.T) {
	pool := requirePool(t)
	ctx := context.Background()
	repo := account.NewRepo(pool)

	t.Run("CreateAndFind", func(t *testing.T) {
		avatar := "https://example.org/a.png"
		a := &account.Account{Role: "doctor", DisplayName: "Dr. Trần Thị Bình", AvatarURL: &avatar}
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if a.ID == uuid.Nil {
			t.Fatal("expected generated id")
		}

		got, err := repo.FindByID(ctx, a.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if got.DisplayName != a.DisplayName || got.Role != "doctor" {
			t.Errorf("unexpected account %+v", got)
		}
		if got.AvatarURL == nil || *got.AvatarURL != avatar {
			t.Errorf("expected avatar %q, got %v", avatar, got.AvatarURL)
		}
		if got.HasWallet() {
			t.Error("new account must not have a wallet")
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.FindByID(ctx, uuid.New()); !errors.Is(err, account.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.FindByLedgerAddress(ctx, "0xdeadbeef"); !errors.Is(err, account.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SetLedgerIdentity", func(t *testing.T) {
		a := createAccount(t, ctx, repo, "nurse", "Phạm Minh Châu")
		w, err := vault.CreateWallet()
		if err != nil {
			t.Fatalf("CreateWallet: %v", err)
		}
		enc, err := vault.EncryptMnemonic(w.Mnemonic, testSecret)
		if err != nil {
			t.Fatalf("EncryptMnemonic: %v", err)
		}
		addr := w.Address

		if err := repo.SetLedgerIdentity(ctx, a.ID, strings.ToUpper(addr[2:]), enc); err != nil {
			t.Fatalf("SetLedgerIdentity: %v", err)
		}
		got, err := repo.FindByLedgerAddress(ctx, addr)
		if err != nil {
			t.Fatalf("FindByLedgerAddress: %v", err)
		}
		if got.ID != a.ID {
			t.Errorf("expected account %s, got %s", a.ID, got.ID)
		}
		if got.LedgerAddress == nil || *got.LedgerAddress != addr {
			t.Errorf("expected normalized address %s, got %v", addr, got.LedgerAddress)
		}

		if err := repo.SetLedgerIdentity(ctx, a.ID, "0x01", "other"); !errors.Is(err, account.ErrAlreadyProvisioned) {
			t.Errorf("expected ErrAlreadyProvisioned, got %v", err)
		}

		b := createAccount(t, ctx, repo, "nurse", "Lê Văn Dũng")
		if err := repo.SetLedgerIdentity(ctx, b.ID, addr, enc); !errors.Is(err, account.ErrAddressInUse) {
			t.Errorf("expected ErrAddressInUse, got %v", err)
		}

		if err := repo.SetLedgerIdentity(ctx, uuid.New(), "0x02", enc); !errors.Is(err, account.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestVault_ProvisionAndSign(t *testing.T) {
	pool := requirePool(t)
	ctx := context.Background()
	repo := account.NewRepo(pool)

	v, err := vault.New(repo, testSecret, zerolog.Nop())
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	a := createAccount(t, ctx, repo, "doctor", "Dr. Hoàng Anh")
	addr, err := v.Provision(ctx, a.ID)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	stored, err := repo.FindByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !stored.HasWallet() {
		t.Fatal("expected stored wallet")
	}
	if strings.Contains(*stored.EncryptedMnemonic, " ") {
		t.Error("stored mnemonic looks like plaintext")
	}

	err = v.WithSigner(ctx, a.ID, func(kp *vault.Keypair) error {
		if kp.Address() != addr {
			t.Errorf("signer address %s, provisioned %s", kp.Address(), addr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSigner: %v", err)
	}

	summary, err := v.ResolveAddress(ctx, strings.ToUpper(addr[2:]))
	if err != nil {
		t.Fatalf("ResolveAddress: %v", err)
	}
	if summary == nil || summary.ID != a.ID {
		t.Errorf("expected summary for %s, got %+v", a.ID, summary)
	}

	if _, err := v.Provision(ctx, a.ID); !errors.Is(err, account.ErrAlreadyProvisioned) {
		t.Errorf("expected ErrAlreadyProvisioned, got %v", err)
	}

	wrong, _ := vault.New(repo, "a-different-secret", zerolog.Nop())
	err = wrong.WithSigner(ctx, a.ID, func(*vault.Keypair) error { return nil })
	if !errors.Is(err, ledger.ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

// TestVault_Rotate runs inside a transaction that is rolled back, so identities
// created by other tests stay encrypted under testSecret.
func TestVault_Rotate(t *testing.T) {
	pool := requirePool(t)
	repo := account.NewRepo(pool)
	const newSecret = "integration-system-secret-0002"

	oldVault, _ := vault.New(repo, testSecret, zerolog.Nop())
	newVault, _ := vault.New(repo, newSecret, zerolog.Nop())

	err := db.WithTx(context.Background(), pool, func(ctx context.Context) error {
		a := createAccount(t, ctx, repo, "doctor", "Dr. Vũ Thị Hạnh")
		addr, err := oldVault.Provision(ctx, a.ID)
		if err != nil {
			t.Fatalf("Provision: %v", err)
		}

		n, err := newVault.Rotate(ctx, testSecret)
		if err != nil {
			t.Fatalf("Rotate: %v", err)
		}
		if n < 1 {
			t.Errorf("expected at least one identity rotated, got %d", n)
		}

		err = newVault.WithSigner(ctx, a.ID, func(kp *vault.Keypair) error {
			if kp.Address() != addr {
				t.Errorf("address changed across rotation: %s != %s", kp.Address(), addr)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithSigner under new secret: %v", err)
		}

		err = oldVault.WithSigner(ctx, a.ID, func(*vault.Keypair) error { return nil })
		if !errors.Is(err, ledger.ErrDecryptionFailed) {
			t.Errorf("expected old secret to fail after rotation, got %v", err)
		}

		again, err := newVault.Rotate(ctx, testSecret)
		if err != nil {
			t.Fatalf("rerun Rotate: %v", err)
		}
		if again != 0 {
			t.Errorf("rerun should rewrite nothing, got %d", again)
		}
		return errRollback
	})
	if !errors.Is(err, errRollback) {
		t.Fatalf("unexpected transaction result: %v", err)
	}
}

// TestService_AttributesWriter writes through the in-memory ledger with keys held in
// postgres and checks that reads resolve the signer back to its account.
func TestService_AttributesWriter(t *testing.T) {
	pool := requirePool(t)
	ctx := context.Background()
	repo := account.NewRepo(pool)

	v, _ := vault.New(repo, testSecret, zerolog.Nop())
	node := ledgertest.NewNode()
	gw := gateway.New(node, gateway.Options{SubmitTimeout: 2 * time.Second}, zerolog.Nop())
	svc := record.NewService(v, gw, reader.New(node, v, 4, zerolog.Nop()), record.DefaultMilestones(), zerolog.Nop())

	doctor := createAccount(t, ctx, repo, "doctor", "Dr. Đỗ Quang Huy")
	addr, err := svc.ProvisionWallet(ctx, doctor.ID)
	if err != nil {
		t.Fatalf("ProvisionWallet: %v", err)
	}

	ack, err := svc.CreatePatient(ctx, doctor.ID, record.PatientFields{
		Name:        "Nguyễn Thị Mai",
		DateOfBirth: time.Date(1992, 2, 29, 0, 0, 0, 0, time.UTC),
		Gender:      "female",
	})
	if err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	if ack.Signer != addr {
		t.Errorf("ack signer %s, want %s", ack.Signer, addr)
	}

	p, err := svc.GetPatientByID(ctx, 0)
	if err != nil {
		t.Fatalf("GetPatientByID: %v", err)
	}
	if p == nil {
		t.Fatal("expected patient 0")
	}
	if p.CreatedByAccount == nil || p.CreatedByAccount.ID != doctor.ID {
		t.Errorf("expected creator %s, got %+v", doctor.ID, p.CreatedByAccount)
	}

	history, err := svc.GetChangeHistory(ctx)
	if err != nil {
		t.Fatalf("GetChangeHistory: %v", err)
	}
	if len(history) != 1 || history[0].ChangedByAccount == nil || history[0].ChangedByAccount.DisplayName != doctor.DisplayName {
		t.Errorf("unexpected history %+v", history)
	}
}
