package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/accountproof/internal/stream"
	"github.com/jmerrifield20/accountproof/pkg/account"
	"github.com/jmerrifield20/accountproof/pkg/client"
	"github.com/jmerrifield20/accountproof/pkg/commitment"
	"github.com/jmerrifield20/accountproof/pkg/merkle"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverAddr string
	cfgFile    string
	token      string
	caFile     string
	insecure   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "proofctl",
	Short: "Account proof CLI",
	Long: `proofctl subscribes to a proof server, verifies account proofs
offline and issues access tokens for the proof stream.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.proofctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("PROOFCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverAddr == "" {
			serverAddr = viper.GetString("server")
		}
		if serverAddr == "" {
			serverAddr = "localhost:9443"
		}
		if token == "" {
			token = viper.GetString("token")
		}
		if caFile == "" {
			caFile = viper.GetString("ca_file")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.proofctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "proof server gRPC address (default localhost:9443)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token for the proof stream")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "PEM file of the CA that signed the server certificate")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "connect without TLS (development only)")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(versionCmd)
}

func dial(extra ...client.Option) (*client.Client, error) {
	opts := []client.Option{}
	if token != "" {
		opts = append(opts, client.WithToken(token))
	}
	switch {
	case insecure:
		opts = append(opts, client.WithInsecure())
	case caFile != "":
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		opts = append(opts, client.WithCA(string(pem)))
	}
	return client.Dial(serverAddr, append(opts, extra...)...)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── watch ────────────────────────────────────────────────────────────────────

var (
	watchFormat    string
	watchThreshold int
	watchAnchor    time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch <address> [address] ...",
	Short: "Subscribe to proofs for accounts and verify each one",
	Long: `watch streams proofs for the given base58 addresses and verifies every
proof against its bundle. Retractions withdraw earlier proofs for a slot.

With --anchor the server's commitment window is polled at the given interval
and each verified commitment is checked against it:

  proofctl watch --anchor 10s 4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchFormat, "format", "text", "Output format: text or json")
	watchCmd.Flags().IntVar(&watchThreshold, "threshold", client.DefaultFailureThreshold, "consecutive failures before the stream is treated as corrupted")
	watchCmd.Flags().DurationVar(&watchAnchor, "anchor", 0, "poll the commitment window at this interval; 0 disables anchoring")
}

func runWatch(cmd *cobra.Command, args []string) error {
	addrs, err := parseAddresses(args)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	var window atomic.Pointer[commitment.Window]
	opts := []client.Option{client.WithFailureThreshold(watchThreshold)}
	if watchAnchor > 0 {
		opts = append(opts, client.WithWindow(window.Load))
	}
	c, err := dial(opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	if watchAnchor > 0 {
		if err := refreshWindow(ctx, c, &window); err != nil {
			return err
		}
		go func() {
			ticker := time.NewTicker(watchAnchor)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := refreshWindow(ctx, c, &window); err != nil {
						fmt.Fprintf(os.Stderr, "refresh commitment window: %v\n", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	out := cmd.OutOrStdout()
	err = c.Watch(ctx, addrs, func(ev client.Event) error {
		return printEvent(out, watchFormat, rowOf(ev, watchAnchor > 0))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func refreshWindow(ctx context.Context, c *client.Client, window *atomic.Pointer[commitment.Window]) error {
	st, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}
	window.Store(commitment.WindowOf(st.Window))
	return nil
}

// eventRow is the JSON form of one watch event.
type eventRow struct {
	Slot       uint64 `json:"slot"`
	Address    string `json:"address"`
	Kind       string `json:"kind"`
	Retracted  bool   `json:"retracted,omitempty"`
	Inclusion  *bool  `json:"inclusion,omitempty"`
	Commitment string `json:"commitment,omitempty"`
	Anchoring  string `json:"anchoring,omitempty"`
	Error      string `json:"error,omitempty"`
	Failures   int    `json:"failures,omitempty"`
}

func rowOf(ev client.Event, anchoring bool) eventRow {
	m := ev.Message
	row := eventRow{Slot: m.Slot, Address: m.Address.String(), Kind: m.Kind.String(), Failures: ev.Failures}
	if ev.Retracted {
		row.Retracted = true
		return row
	}
	if m.Proof != nil {
		incl := m.Proof.Includes()
		row.Inclusion = &incl
	}
	if m.Bundle != nil {
		row.Commitment = m.Bundle.Commitment.String()
	}
	switch {
	case ev.Err != nil:
		row.Error = ev.Err.Error()
	case anchoring:
		row.Anchoring = ev.Anchoring.String()
	}
	return row
}

func printEvent(w io.Writer, format string, row eventRow) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(row)
	}
	var err error
	switch {
	case row.Retracted:
		_, err = fmt.Fprintf(w, "slot %d  %s  RETRACTED\n", row.Slot, row.Address)
	case row.Error != "":
		_, err = fmt.Fprintf(w, "slot %d  %s  INVALID (%d consecutive): %s\n", row.Slot, row.Address, row.Failures, row.Error)
	default:
		state := "absent"
		if row.Inclusion != nil && *row.Inclusion {
			state = "present"
		}
		_, err = fmt.Fprintf(w, "slot %d  %s  ok  %s  commitment=%s", row.Slot, row.Address, state, row.Commitment)
		if err == nil && row.Anchoring != "" {
			_, err = fmt.Fprintf(w, "  %s", row.Anchoring)
		}
		if err == nil {
			_, err = fmt.Fprintln(w)
		}
	}
	return err
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCommitment string

var verifyCmd = &cobra.Command{
	Use:   "verify <proof-file>",
	Short: "Verify a proof message saved from the HTTP API",
	Long: `verify checks a proof message offline. The file may hold the JSON
returned by GET /api/v1/proofs/:slot/:address or the wire encoding returned
with ?format=wire. Use "-" to read standard input.

Pass --commitment to also require the bundle to match a commitment obtained
out of band, for example from the chain's SlotHashes sysvar.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		var claimed merkle.Hash
		if verifyCommitment != "" {
			if claimed, err = merkle.ParseHash(verifyCommitment); err != nil {
				return fmt.Errorf("--commitment: %w", err)
			}
		}
		msg, err := decodeMessage(data)
		if err != nil {
			return err
		}
		if err := client.Verify(msg, claimed); err != nil {
			return fmt.Errorf("proof for %s at slot %d: %w", msg.Address, msg.Slot, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ proof for %s at slot %d verifies (commitment %s)\n",
			msg.Address, msg.Slot, msg.Bundle.Commitment)
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyCommitment, "commitment", "", "expected slot commitment (base58)")
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}

// decodeMessage accepts either the JSON or the wire form of a message.
func decodeMessage(data []byte) (*proofstream.Message, error) {
	msg := &proofstream.Message{}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), msg); err != nil {
			return nil, fmt.Errorf("decode JSON proof: %w", err)
		}
		return msg, nil
	}
	if err := msg.UnmarshalWire(data); err != nil {
		return nil, fmt.Errorf("decode wire proof: %w", err)
	}
	return msg, nil
}

// ── status ───────────────────────────────────────────────────────────────────

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the proof server's slot position",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st, err := c.Status(ctx)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		out := cmd.OutOrStdout()
		if statusFormat == "json" {
			return printJSON(out, st)
		}
		return printStatusText(out, st)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "Output format: text or json")
}

func printStatusText(out io.Writer, st *proofstream.StatusResponse) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Rooted slot:\t%d\n", st.RootedSlot)
	fmt.Fprintf(w, "Highest slot:\t%d\n", st.HighestSlot)
	fmt.Fprintf(w, "Subscribers:\t%d\n", st.Subscribers)
	if len(st.Halted) > 0 {
		halted := make([]string, len(st.Halted))
		for i, s := range st.Halted {
			halted[i] = fmt.Sprint(s)
		}
		fmt.Fprintf(w, "Halted:\t%s\n", strings.Join(halted, ", "))
	}
	if len(st.Window) > 0 {
		fmt.Fprintln(w, "\nSLOT\tCOMMITMENT")
		for _, e := range st.Window {
			fmt.Fprintf(w, "%d\t%s\n", e.Slot, e.Commitment)
		}
	}
	return w.Flush()
}

// ── ingest ───────────────────────────────────────────────────────────────────

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Replay recorded validator notifications into a proof server",
	Long: `ingest reads newline-delimited JSON ingest requests and sends them on
one ingest stream. Each line carries exactly one of account, block, slot,
transaction or root, or "EndOfStartup": true. Use "-" for standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		reqs, err := parseIngest(data)
		if err != nil {
			return err
		}

		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := signalContext()
		defer cancel()
		summary, err := c.Ingest(ctx, reqs)
		if err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "accepted %d, rejected %d\n", summary.Accepted, summary.Rejected)
		return nil
	},
}

func parseIngest(data []byte) ([]*proofstream.IngestRequest, error) {
	var reqs []*proofstream.IngestRequest
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		req := &proofstream.IngestRequest{}
		if err := json.Unmarshal([]byte(text), req); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		reqs = append(reqs, req)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret  string
	tokenSubject string
	tokenScopes  []string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for the proof stream",
	Long: `token signs an HS256 access token with the server's shared secret.
Scopes are subscribe, ingest and admin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokenSecret
		if secret == "" {
			secret = viper.GetString("jwt_secret")
		}
		if secret == "" {
			return errors.New("--secret is required")
		}
		issuer, err := stream.NewTokenIssuer([]byte(secret), "accountproof", tokenTTL)
		if err != nil {
			return err
		}
		tok, err := issuer.Issue(tokenSubject, tokenScopes)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "shared HS256 secret (at least 32 bytes)")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "proofctl", "token subject")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", []string{stream.ScopeSubscribe}, "granted scopes")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}

// ── hash-account ─────────────────────────────────────────────────────────────

var (
	hashLamports   uint64
	hashOwner      string
	hashExecutable bool
	hashRentEpoch  uint64
	hashDataHex    string
)

var hashCmd = &cobra.Command{
	Use:   "hash-account <address>",
	Short: "Compute the leaf digest of an account state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		digest, err := hashAccount(args[0], hashLamports, hashOwner, hashExecutable, hashRentEpoch, hashDataHex)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), digest)
		return nil
	},
}

func init() {
	hashCmd.Flags().Uint64Var(&hashLamports, "lamports", 0, "account balance")
	hashCmd.Flags().StringVar(&hashOwner, "owner", "11111111111111111111111111111111", "owner program (base58)")
	hashCmd.Flags().BoolVar(&hashExecutable, "executable", false, "account is executable")
	hashCmd.Flags().Uint64Var(&hashRentEpoch, "rent-epoch", 0, "rent epoch")
	hashCmd.Flags().StringVar(&hashDataHex, "data", "", "account data as hex")
}

func hashAccount(address string, lamports uint64, owner string, executable bool, rentEpoch uint64, dataHex string) (merkle.Hash, error) {
	addr, err := merkle.ParseAddress(address)
	if err != nil {
		return merkle.Hash{}, fmt.Errorf("address: %w", err)
	}
	ownerAddr, err := merkle.ParseAddress(owner)
	if err != nil {
		return merkle.Hash{}, fmt.Errorf("--owner: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return merkle.Hash{}, fmt.Errorf("--data: %w", err)
	}
	return account.Hash(addr, account.State{
		Lamports:   lamports,
		Owner:      ownerAddr,
		Executable: executable,
		RentEpoch:  rentEpoch,
		Data:       data,
	}), nil
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the proofctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "proofctl %s\n", version)
	},
}

func parseAddresses(in []string) ([]merkle.Address, error) {
	out := make([]merkle.Address, 0, len(in))
	for _, s := range in {
		a, err := merkle.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}
