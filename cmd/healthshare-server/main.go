package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/healthshare/healthshare/internal/config"
	"github.com/healthshare/healthshare/internal/platform/db"
	"github.com/healthshare/healthshare/internal/platform/hipaa"
	"github.com/healthshare/healthshare/internal/platform/ledger"
	"github.com/healthshare/healthshare/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "healthshare-server",
		Short: "Consent-gated record sharing API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s)\n", n)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}

	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := db.NewPool(ctx, db.PoolOptions{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-8s %-32s %-8s %s\n", "VERSION", "NAME", "APPLIED", "APPLIED AT")
	for _, s := range statuses {
		applied, at := "no", "-"
		if s.Applied {
			applied = "yes"
			if s.AppliedAt != nil {
				at = s.AppliedAt.UTC().Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%-8d %-32s %-8s %s\n", s.Version, s.Name, applied, at)
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new share signing seed and its public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, pub, err := generateShareSeed()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "SHARE_SIGNING_KEY=%s\n# public key: %s\n", seed, pub)
			return nil
		},
	}
}

// generateShareSeed returns a hex Ed25519 seed accepted by
// SHARE_SIGNING_KEY and the hex public key derived from it.
func generateShareSeed() (string, string, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return "", "", fmt.Errorf("generate seed: %w", err)
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return hex.EncodeToString(seed), hex.EncodeToString(pub), nil
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the hash ledger",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that a hash is anchored under a reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("ref")
			hash, _ := cmd.Flags().GetString("hash")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			l, closer, err := ledger.Open(ledger.Options{
				Backend: cfg.LedgerBackend,
				Path:    cfg.LedgerPath,
				URL:     cfg.LedgerURL,
				Timeout: cfg.LedgerTimeout,
			}, newLogger(cfg))
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer closer.Close()

			return checkAnchor(cmd.Context(), cmd.OutOrStdout(), l, ref, hash)
		},
	}
	verifyCmd.Flags().String("ref", "", "anchor reference")
	verifyCmd.Flags().String("hash", "", "expected hash; when empty the anchored hash is printed")
	_ = verifyCmd.MarkFlagRequired("ref")

	cmd.AddCommand(verifyCmd)
	return cmd
}

var errAnchorMismatch = errors.New("anchored hash does not match")

func checkAnchor(ctx context.Context, w io.Writer, l ledger.Ledger, ref, want string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	got, err := l.Retrieve(ctx, ref)
	if err != nil {
		return fmt.Errorf("retrieve %s: %w", ref, err)
	}
	fmt.Fprintf(w, "%s %s\n", ref, got)
	if want != "" && want != got {
		return errAnchorMismatch
	}
	return nil
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the access log",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Walk the access log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pool, err := db.NewPool(ctx, db.PoolOptions{URL: cfg.DatabaseURL, MaxConns: 2})
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			audit := hipaa.NewAuditLogger(hipaa.NewPGStore(pool), time.Minute, newLogger(cfg))
			return reportChain(ctx, cmd.OutOrStdout(), audit)
		},
	}

	cmd.AddCommand(verifyCmd)
	return cmd
}

type chainVerifier interface {
	Verify(ctx context.Context) (int, error)
}

func reportChain(ctx context.Context, w io.Writer, v chainVerifier) error {
	n, err := v.Verify(ctx)
	if errors.Is(err, hipaa.ErrChainBroken) {
		fmt.Fprintf(w, "chain broken at entry %d\n", n)
		return err
	}
	if err != nil {
		return fmt.Errorf("verify access log: %w", err)
	}
	fmt.Fprintf(w, "chain intact: %d entries\n", n)
	return nil
}
