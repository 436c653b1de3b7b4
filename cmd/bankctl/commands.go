package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/qrbridge/qrbridge/internal/bank"
	"github.com/qrbridge/qrbridge/internal/envelope"
	"github.com/qrbridge/qrbridge/internal/infra"
)

func keygenCmd() *cobra.Command {
	var (
		out  string
		bits int
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key pair for an institution",
		Long: `Generate an RSA key pair in PEM form.

Writes public.pem (PKIX) and private.pem (PKCS#8) into --out.

Examples:
  bankctl keygen --out ./keys/thai`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := envelope.GenerateKeyPair(bits)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(out, 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(out, "public.pem"), []byte(pub), 0o644); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(out, "private.pem"), []byte(priv), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d-bit key pair to %s\n", bits, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", ".", "directory to write public.pem and private.pem")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA modulus size")
	return cmd
}

type storeFlags struct {
	dataDir     string
	databaseURL string
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "data", "directory holding <institution>.json records")
	cmd.Flags().StringVar(&f.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres URL; takes precedence over --data-dir")
}

func (f *storeFlags) open(ctx context.Context) (bank.Repository, func(), error) {
	if f.databaseURL == "" {
		repo, err := infra.NewBankRepository(ctx, nil, f.dataDir)
		return repo, func() {}, err
	}
	db, err := infra.NewPostgresPool(ctx, f.databaseURL)
	if err != nil {
		return nil, nil, err
	}
	repo, err := infra.NewBankRepository(ctx, db, "")
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return repo, db.Close, nil
}

func seedCmd() *cobra.Command {
	var (
		store storeFlags
		force bool
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write demo institution records with fresh key pairs",
		Long: `Write the demo records for THAI_BANK_001 and MAYBANK_001.

Users U1 (Thai bank) and U2 (Maybank) start with 1000.00; merchants M1
(Maybank) and M2 (Thai bank) start empty. Existing records are kept unless
--force is given.

Examples:
  bankctl seed --data-dir ./data
  bankctl seed --database-url postgres://localhost/qrbridge --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, closeFn, err := store.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			wrote, err := bank.SeedDemo(ctx, repo, force)
			if err != nil {
				return err
			}
			if !wrote {
				fmt.Fprintln(cmd.OutOrStdout(), "records already present, use --force to overwrite")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "seeded THAI_BANK_001 and MAYBANK_001")
			return nil
		},
	}
	store.register(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing records and keys")
	return cmd
}

func balancesCmd() *cobra.Command {
	var store storeFlags
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Print user and merchant balances for every institution",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, closeFn, err := store.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTITUTION\tKIND\tID\tNAME\tBALANCE")
			for _, inst := range bank.All() {
				rec, err := repo.Load(ctx, inst.ID)
				if err != nil {
					return err
				}
				for _, u := range rec.Users {
					fmt.Fprintf(w, "%s\tuser\t%s\t%s\t%s\n", inst.ID, u.UserID, u.Name, formatMinor(u.Balance, rec.Currency))
				}
				for _, m := range rec.Merchants {
					fmt.Fprintf(w, "%s\tmerchant\t%s\t%s\t%s\n", inst.ID, m.MerchantID, m.Name, formatMinor(m.Balance, rec.Currency))
				}
			}
			return w.Flush()
		},
	}
	store.register(cmd)
	return cmd
}

func formatMinor(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, currency)
}
