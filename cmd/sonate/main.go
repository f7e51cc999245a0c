package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/s8ken/yseeku-platform-sub013/internal/audit"
	"github.com/s8ken/yseeku-platform-sub013/internal/receipt"
	"github.com/s8ken/yseeku-platform-sub013/internal/server"
	"github.com/s8ken/yseeku-platform-sub013/internal/signing"
	"github.com/s8ken/yseeku-platform-sub013/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile      string
	serverURL    string
	serviceToken string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sonate",
	Short: "SONATE trust core CLI",
	Long: `sonate is the command-line interface for the SONATE trust core.

It manages signing keys, issues and verifies trust receipts, and checks
audit chains. Commands run locally against the encrypted file keystore by
default; pass --server to operate against a running security service.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".sonate"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serviceToken == "" {
			serviceToken = viper.GetString("service_token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.sonate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "security service URL; empty runs against the local keystore")
	rootCmd.PersistentFlags().StringVar(&serviceToken, "token", "", "service token for --server mode")

	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(receiptCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── shared helpers ───────────────────────────────────────────────────────────

// newClient builds an SDK client for --server mode.
func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if serviceToken != "" {
		opts = append(opts, client.WithToken(serviceToken))
	}
	return client.New(serverURL, opts...)
}

// localBackend opens the software signing backend over the encrypted file
// keystore (default ~/.sonate/keys.json).
func localBackend(ctx context.Context) (signing.Backend, error) {
	path := viper.GetString("keystore_path")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		path = filepath.Join(home, ".sonate", "keys.json")
	}

	return signing.Open(ctx, []signing.BackendConfig{{
		Kind:         signing.KindSoftware,
		Name:         "local",
		KeystorePath: path,
		Passphrase:   viper.GetString("keystore_passphrase"),
	}}, zap.NewNop())
}

// readInput reads JSON from the first argument path, or stdin when no
// argument (or "-") is given.
func readInput(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(args[0])
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── keys ─────────────────────────────────────────────────────────────────────

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage signing keys",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate [key-id]",
	Short: "Generate a new Ed25519 signing key",
	Long: `Generate mints a new Ed25519 key pair. With no key-id a random one is
assigned. Local keys are written to the encrypted file keystore; private
material never leaves it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyID := ""
		if len(args) == 1 {
			keyID = args[0]
		}
		ctx := context.Background()

		if serverURL != "" {
			c, err := newClient()
			if err != nil {
				return err
			}
			meta, err := c.GenerateKey(ctx, keyID)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			fmt.Printf("✓ Key generated: %s\n\n", meta.KeyID)
			return printJSON(meta)
		}

		backend, err := localBackend(ctx)
		if err != nil {
			return err
		}
		meta, err := backend.GenerateKeyPair(ctx, keyID)
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		fmt.Printf("✓ Key generated: %s\n\n", meta.KeyID)
		return printJSON(meta)
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List signing keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY ID\tALGORITHM\tSTATUS\tCUSTODY\tVERSION\tCREATED")

		if serverURL != "" {
			c, err := newClient()
			if err != nil {
				return err
			}
			keys, err := c.ListKeys(ctx)
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					k.KeyID, k.Algorithm, k.Status, k.Custody, k.Version,
					k.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		}

		backend, err := localBackend(ctx)
		if err != nil {
			return err
		}
		keys, err := backend.ListKeys(ctx)
		if err != nil {
			return fmt.Errorf("list keys: %w", err)
		}
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				k.KeyID, k.Algorithm, k.Status, k.Custody, k.Version,
				k.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate <key-id>",
	Short: "Rotate a signing key",
	Long: `Rotate deprecates the named key and mints its successor. The deprecated
key keeps verifying everything it signed; only the successor signs new
material.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyID := args[0]
		ctx := context.Background()

		if serverURL != "" {
			c, err := newClient()
			if err != nil {
				return err
			}
			meta, err := c.RotateKey(ctx, keyID)
			if err != nil {
				return fmt.Errorf("rotate key: %w", err)
			}
			fmt.Printf("✓ Key rotated: %s → %s\n\n", keyID, meta.KeyID)
			return printJSON(meta)
		}

		backend, err := localBackend(ctx)
		if err != nil {
			return err
		}
		meta, err := backend.RotateKey(ctx, keyID)
		if err != nil {
			return fmt.Errorf("rotate key: %w", err)
		}
		fmt.Printf("✓ Key rotated: %s → %s\n\n", keyID, meta.KeyID)
		return printJSON(meta)
	},
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysRotateCmd)
}

// ── receipt ──────────────────────────────────────────────────────────────────

var (
	receiptKeyID    string
	receiptPrevPath string
	verifyPublicKey string
	verifyPrevPath  string
)

var receiptCmd = &cobra.Command{
	Use:   "receipt",
	Short: "Issue and verify trust receipts",
}

var receiptCreateCmd = &cobra.Command{
	Use:   "create [payload.json]",
	Short: "Create a signed trust receipt from a payload",
	Long: `Create reads a receipt payload (JSON) from a file or stdin, signs it, and
prints the issued receipt.

Locally, --previous chains the new receipt onto an existing one. In --server
mode the service tracks session tips and chains automatically.

  sonate receipt create payload.json
  cat payload.json | sonate receipt create`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		ctx := context.Background()

		if serverURL != "" {
			var p client.Payload
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			rec, err := c.CreateReceipt(ctx, p)
			if err != nil {
				return fmt.Errorf("create receipt: %w", err)
			}
			return printJSON(rec)
		}

		p, err := receipt.DecodePayload(raw)
		if err != nil {
			return err
		}

		var prev *receipt.SignedReceipt
		if receiptPrevPath != "" {
			prevRaw, err := os.ReadFile(receiptPrevPath)
			if err != nil {
				return fmt.Errorf("read previous receipt: %w", err)
			}
			prev = &receipt.SignedReceipt{}
			if err := json.Unmarshal(prevRaw, prev); err != nil {
				return fmt.Errorf("decode previous receipt: %w", err)
			}
		}

		backend, err := localBackend(ctx)
		if err != nil {
			return err
		}
		if _, err := backend.GenerateKeyPair(ctx, receiptKeyID); err != nil && !errors.Is(err, signing.ErrKeyExists) {
			return fmt.Errorf("ensure signing key: %w", err)
		}

		svc := receipt.NewService(backend, zap.NewNop())
		rec, err := svc.Create(ctx, p, receiptKeyID, prev)
		if err != nil {
			return fmt.Errorf("create receipt: %w", err)
		}
		return printJSON(rec)
	},
}

var receiptVerifyCmd = &cobra.Command{
	Use:   "verify [receipt.json]",
	Short: "Verify a trust receipt",
	Long: `Verify reads a signed receipt (JSON) from a file or stdin and checks its
integrity hash, signature, and optional chain linkage. Exit status 1 means
the receipt failed verification.

  sonate receipt verify receipt.json
  sonate receipt verify --previous prior.json receipt.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args)
		if err != nil {
			return fmt.Errorf("read receipt: %w", err)
		}
		ctx := context.Background()

		if serverURL != "" {
			var rec client.Receipt
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode receipt: %w", err)
			}
			var prev *client.Receipt
			if verifyPrevPath != "" {
				prevRaw, err := os.ReadFile(verifyPrevPath)
				if err != nil {
					return fmt.Errorf("read previous receipt: %w", err)
				}
				prev = &client.Receipt{}
				if err := json.Unmarshal(prevRaw, prev); err != nil {
					return fmt.Errorf("decode previous receipt: %w", err)
				}
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			res, err := c.VerifyReceipt(ctx, &rec, verifyPublicKey, prev)
			if err != nil {
				return fmt.Errorf("verify receipt: %w", err)
			}
			reportVerify(res.Valid, res.Reason)
			return nil
		}

		var rec receipt.SignedReceipt
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode receipt: %w", err)
		}
		var prev *receipt.SignedReceipt
		if verifyPrevPath != "" {
			prevRaw, err := os.ReadFile(verifyPrevPath)
			if err != nil {
				return fmt.Errorf("read previous receipt: %w", err)
			}
			prev = &receipt.SignedReceipt{}
			if err := json.Unmarshal(prevRaw, prev); err != nil {
				return fmt.Errorf("decode previous receipt: %w", err)
			}
		}

		backend, err := localBackend(ctx)
		if err != nil {
			return err
		}
		svc := receipt.NewService(backend, zap.NewNop())
		res := svc.Verify(ctx, &rec, verifyPublicKey, prev)
		reportVerify(res.Valid, res.Reason)
		return nil
	},
}

// reportVerify prints the verdict and exits non-zero on failure so the
// command composes in scripts.
func reportVerify(valid bool, reason string) {
	if valid {
		fmt.Println("✓ Receipt valid")
		return
	}
	fmt.Printf("✗ Receipt invalid: %s\n", reason)
	os.Exit(1)
}

func init() {
	receiptCreateCmd.Flags().StringVar(&receiptKeyID, "key", "receipts", "Signing key id (local mode)")
	receiptCreateCmd.Flags().StringVar(&receiptPrevPath, "previous", "", "Previous receipt file to chain from (local mode)")
	receiptVerifyCmd.Flags().StringVar(&verifyPublicKey, "public-key", "", "Hex public key; uses the key registry when empty")
	receiptVerifyCmd.Flags().StringVar(&verifyPrevPath, "previous", "", "Previous receipt file for chain linkage check")

	receiptCmd.AddCommand(receiptCreateCmd)
	receiptCmd.AddCommand(receiptVerifyCmd)
}

// ── audit ────────────────────────────────────────────────────────────────────

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and verify the audit trail",
}

// auditTrail opens the audit trail for local mode, reading the store from
// database_url. Audit data lives server-side or in postgres; there is no
// file-backed trail.
func auditTrail(ctx context.Context) (*audit.Trail, func(), error) {
	dbURL := viper.GetString("database_url")
	if dbURL == "" {
		return nil, nil, errors.New("audit commands need --server or database_url in config")
	}

	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	store, err := audit.NewPostgresStore(ctx, db, zap.NewNop())
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("open audit store: %w", err)
	}
	return audit.NewTrail(store, audit.Config{}), db.Close, nil
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit chain end to end",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		var (
			valid    bool
			total    int
			brokenAt string
			reason   string
		)
		if serverURL != "" {
			c, err := newClient()
			if err != nil {
				return err
			}
			status, err := c.VerifyAuditChain(ctx)
			if err != nil {
				return fmt.Errorf("verify audit chain: %w", err)
			}
			valid, total, brokenAt, reason = status.Valid, status.TotalEvents, status.BrokenAt, status.Reason
		} else {
			trail, closeTrail, err := auditTrail(ctx)
			if err != nil {
				return err
			}
			defer closeTrail()
			status, err := trail.VerifyChain(ctx)
			if err != nil {
				return fmt.Errorf("verify audit chain: %w", err)
			}
			valid, total, brokenAt, reason = status.Valid, status.TotalEvents, status.BrokenAt, status.Reason
		}

		if !valid {
			fmt.Printf("✗ Audit chain broken at %s: %s\n", brokenAt, reason)
			os.Exit(1)
		}
		fmt.Printf("✓ Audit chain valid (%d events)\n", total)
		return nil
	},
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print audit trail statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		if serverURL != "" {
			c, err := newClient()
			if err != nil {
				return err
			}
			stats, err := c.AuditStatistics(ctx)
			if err != nil {
				return fmt.Errorf("audit statistics: %w", err)
			}
			return printJSON(stats)
		}

		trail, closeTrail, err := auditTrail(ctx)
		if err != nil {
			return err
		}
		defer closeTrail()
		stats, err := trail.Statistics(ctx)
		if err != nil {
			return fmt.Errorf("audit statistics: %w", err)
		}
		return printJSON(stats)
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditStatsCmd)
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret  string
	tokenIssuer  string
	tokenSubject string
	tokenScope   string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a service token for the security service API",
	Long: `Token mints an HS256 service token from the shared secret. The secret and
issuer must match the running service's server.token_secret and
server.token_issuer settings.

  sonate token --secret $SECRET --subject ci-pipeline --scope write`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokenSecret
		if secret == "" {
			secret = viper.GetString("token_secret")
		}

		issuer, err := server.NewTokenIssuer(secret, tokenIssuer, tokenTTL)
		if err != nil {
			return err
		}
		tok, err := issuer.Issue(tokenSubject, tokenScope)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "Shared HS256 secret (or token_secret in config)")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "sonate-security", "Token issuer claim")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Subject claim identifying the caller")
	tokenCmd.Flags().StringVar(&tokenScope, "scope", "", "Scope claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")

	_ = tokenCmd.MarkFlagRequired("subject")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sonate CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sonate %s (SONATE trust core)\n", version)
	},
}
