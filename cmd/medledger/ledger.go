package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ehr/medledger/internal/domain/account"
	"github.com/ehr/medledger/internal/domain/record"
	"github.com/ehr/medledger/internal/ledger/vault"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseAccountID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid account id %q: %w", s, err)
	}
	return id, nil
}

func parseEntityID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid entity id %q", s)
	}
	return id, nil
}

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage account store entries",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account without a wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			name, _ := cmd.Flags().GetString("name")
			avatar, _ := cmd.Flags().GetString("avatar-url")

			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				a := &account.Account{Role: role, DisplayName: name}
				if avatar != "" {
					a.AvatarURL = &avatar
				}
				if err := account.NewRepo(pool).Create(ctx, a); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a)
			})
		},
	}
	createCmd.Flags().String("role", "doctor", "Account role")
	createCmd.Flags().String("name", "", "Display name")
	createCmd.Flags().String("avatar-url", "", "Avatar URL")
	_ = createCmd.MarkFlagRequired("name")

	cmd.AddCommand(createCmd)
	return cmd
}

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Create and provision ledger wallets",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Generate a mnemonic and its ledger address without storing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := vault.CreateWallet()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), w)
		},
	}

	provisionCmd := &cobra.Command{
		Use:   "provision <account-id>",
		Short: "Generate a wallet for an account and store it encrypted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			return withVault(func(ctx context.Context, v *vault.Vault) error {
				addr, err := v.Provision(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"account_id":     id.String(),
					"ledger_address": addr,
				})
			})
		},
	}

	cmd.AddCommand(createCmd, provisionCmd)
	return cmd
}

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the system secret",
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt every stored mnemonic from the old secret to LEDGER_SYSTEM_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			envName, _ := cmd.Flags().GetString("old-secret-env")
			oldSecret := os.Getenv(envName)
			if oldSecret == "" {
				return fmt.Errorf("%s is not set", envName)
			}
			return withVault(func(ctx context.Context, v *vault.Vault) error {
				n, err := v.Rotate(ctx, oldSecret)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Re-encrypted %d mnemonic(s).\n", n)
				return nil
			})
		},
	}
	rotateCmd.Flags().String("old-secret-env", "LEDGER_OLD_SYSTEM_SECRET", "Environment variable holding the previous secret")

	cmd.AddCommand(rotateCmd)
	return cmd
}

func patientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "Read and write patients on the ledger",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every live patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBridge(func(ctx context.Context, b *bridge) error {
				patients, err := b.service.ListAllPatients(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), patients)
			})
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntityID(args[0])
			if err != nil {
				return err
			}
			return withBridge(func(ctx context.Context, b *bridge) error {
				p, err := b.service.GetPatientByID(ctx, id)
				if err != nil {
					return err
				}
				if p == nil {
					return fmt.Errorf("patient %d not found", id)
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a patient, signed by the acting account",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, _ := cmd.Flags().GetString("account")
			name, _ := cmd.Flags().GetString("name")
			dob, _ := cmd.Flags().GetString("dob")
			gender, _ := cmd.Flags().GetString("gender")

			accountID, err := parseAccountID(actor)
			if err != nil {
				return err
			}
			born, err := time.Parse("2006-01-02", dob)
			if err != nil {
				return fmt.Errorf("invalid --dob %q, want YYYY-MM-DD", dob)
			}
			f := record.PatientFields{
				Name:        name,
				DateOfBirth: born,
				Gender:      gender,
				Address:     optionalFlag(cmd, "address"),
				Phone:       optionalFlag(cmd, "phone"),
			}
			return withBridge(func(ctx context.Context, b *bridge) error {
				ack, err := b.service.CreatePatient(ctx, accountID, f)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ack)
			})
		},
	}
	createCmd.Flags().String("account", "", "Acting account id")
	createCmd.Flags().String("name", "", "Patient name")
	createCmd.Flags().String("dob", "", "Date of birth (YYYY-MM-DD)")
	createCmd.Flags().String("gender", "", "Gender")
	createCmd.Flags().String("address", "", "Postal address")
	createCmd.Flags().String("phone", "", "Phone number")
	for _, f := range []string{"account", "name", "dob", "gender"} {
		_ = createCmd.MarkFlagRequired(f)
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a patient, signed by the acting account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, _ := cmd.Flags().GetString("account")
			accountID, err := parseAccountID(actor)
			if err != nil {
				return err
			}
			id, err := parseEntityID(args[0])
			if err != nil {
				return err
			}
			return withBridge(func(ctx context.Context, b *bridge) error {
				ack, err := b.service.DeletePatient(ctx, accountID, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ack)
			})
		},
	}
	deleteCmd.Flags().String("account", "", "Acting account id")
	_ = deleteCmd.MarkFlagRequired("account")

	cmd.AddCommand(listCmd, getCmd, createCmd, deleteCmd)
	return cmd
}

// optionalFlag returns nil for a flag that was not given, so the field is stored as null.
func optionalFlag(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the ledger change history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBridge(func(ctx context.Context, b *bridge) error {
				entries, err := b.service.GetChangeHistory(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
}
