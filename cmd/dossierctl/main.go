// Command dossierctl runs operational tasks against a dossier database: migrations,
// artifact integrity sweeps, revision listings and development tokens.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dossier/api/internal/artifact"
	"dossier/api/internal/auth"
	"dossier/api/internal/config"
	"dossier/api/internal/logging"
	"dossier/api/internal/metrics"
	"dossier/api/internal/rbac"
	"dossier/api/internal/store"
)

// exitErr carries a numeric exit code through the cobra error path.
type exitErr struct {
	code int
	msg  string
}

func (e *exitErr) Error() string { return e.msg }

func codeError(code int, format string, args ...any) error {
	return &exitErr{code: code, msg: fmt.Sprintf(format, args...)}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitErr
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dossierctl",
		Short:         "Operate a dossier document store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMigrateCmd(), newVerifyCmd(), newRevisionsCmd(), newTokenCmd())
	return root
}

// env bundles what most subcommands need.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	store  *store.PostgresStore
	close  func()
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, codeError(3, "%v", err)
	}
	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		return nil, codeError(3, "%v", err)
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, 4)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &env{
		cfg:    cfg,
		logger: logger,
		store:  store.NewPostgresStore(db),
		close: func() {
			_ = db.Close()
			_ = logger.Sync()
		},
	}, nil
}

func newMigrateCmd() *cobra.Command {
	migrate := &cobra.Command{Use: "migrate", Short: "Apply or roll back schema migrations"}
	migrate.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			return store.ApplyMigrations(e.store.DB(), e.cfg.MigrationsDir, e.logger)
		},
	})
	migrate.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration (destroys all data)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			return store.RollbackMigrations(e.store.DB(), e.cfg.MigrationsDir, e.logger)
		},
	})
	return migrate
}

func newVerifyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "verify-artifacts",
		Short: "Re-download locked artifacts and check them against their recorded digests",
		Long:  "Exits with status 2 when any artifact is missing or does not match its digest.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.close()
			blobs, closeBlobs, err := artifact.OpenBlobStore(ctx, e.cfg.Storage)
			if err != nil {
				return err
			}
			defer func() { _ = closeBlobs() }()

			revisions, err := e.store.ListLockedRevisions(ctx, limit)
			if err != nil {
				return err
			}
			locker := artifact.NewLocker(blobs, e.store, e.logger)
			failed, err := sweep(ctx, revisions, locker, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if failed > 0 {
				return codeError(2, "%d of %d artifacts failed verification", failed, len(revisions))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "Maximum number of revisions to check")
	return cmd
}

type verifier interface {
	Verify(ctx context.Context, artifact store.LockedArtifact) (artifact.Verification, error)
}

// sweep verifies each revision's artifact and prints one line per revision. It returns how
// many were not intact.
func sweep(ctx context.Context, revisions []store.DocumentRevision, v verifier, out io.Writer) (int, error) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REVISION\tNUMBER\tSTATUS\tRESULT\tLOCATOR")
	failed := 0
	for _, rev := range revisions {
		if rev.Artifact == nil {
			failed++
			metrics.ObserveVerification("unrecorded")
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", rev.ID, rev.RevisionNumber, rev.Status, "unrecorded", "-")
			continue
		}
		result, err := v.Verify(ctx, *rev.Artifact)
		if err != nil {
			return failed, fmt.Errorf("verify revision %s: %w", rev.ID, err)
		}
		metrics.ObserveVerification(string(result.Status))
		if result.Status != artifact.VerifyIntact {
			failed++
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", rev.ID, rev.RevisionNumber, rev.Status, result.Status, result.Locator)
	}
	return failed, w.Flush()
}

func newRevisionsCmd() *cobra.Command {
	revisions := &cobra.Command{Use: "revisions", Short: "Inspect revisions"}
	revisions.AddCommand(&cobra.Command{
		Use:   "list <family-id>",
		Short: "List the revisions of a family",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			summaries, err := e.store.ListRevisions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				return codeError(4, "family %s has no revisions", args[0])
			}
			return printRevisions(cmd.OutOrStdout(), summaries)
		},
	})
	return revisions
}

func printRevisions(out io.Writer, summaries []store.RevisionSummary) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NUMBER\tREVISION\tSTATUS\tISSUED")
	for _, s := range summaries {
		issued := "-"
		if s.IssuedAt != nil {
			issued = s.IssuedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.RevisionNumber, s.RevisionID, s.Status, issued)
	}
	return w.Flush()
}

func newTokenCmd() *cobra.Command {
	var subject, name, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with JWT_SECRET, for development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return codeError(3, "%v", err)
			}
			return mintToken(cmd.OutOrStdout(), []byte(cfg.JWTSecret), subject, name, role, ttl)
		},
	}
	f := cmd.Flags()
	f.StringVar(&subject, "subject", "", "User id (required)")
	f.StringVar(&name, "name", "", "Display name recorded in audit events (required)")
	f.StringVar(&role, "role", string(rbac.RoleViewer), "viewer, assessor, reviewer, approver or admin")
	f.DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func mintToken(out io.Writer, secret []byte, subject, name, role string, ttl time.Duration) error {
	if rbac.Normalize(role) != rbac.Role(role) {
		return codeError(3, "unknown role %q", role)
	}
	if ttl <= 0 {
		return codeError(3, "ttl must be positive")
	}
	token, err := auth.IssueToken(secret, auth.NewClaims(subject, name, role, ttl))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
