package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mandatefi/mandate/internal/identity"
	"github.com/mandatefi/mandate/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
	bearer    string
	apiKey    string
	actor     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mandate",
	Short: "Mandate credit-delegation CLI",
	Long: `mandate is the command-line interface for a Mandate server.

It manages credit delegations, executes transactions and repayments,
inspects agent credit profiles, opens leveraged positions, and audits
the event ledger.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.mandate")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if bearer == "" {
			bearer = viper.GetString("token")
		}
		if apiKey == "" {
			apiKey = viper.GetString("api_key")
		}
		if actor == "" {
			actor = viper.GetString("actor")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.mandate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Mandate server URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&bearer, "token", "", "capability token (Bearer)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (X-API-Key)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "caller identity when the server runs with auth disabled")

	rootCmd.AddCommand(delegationCmd)
	rootCmd.AddCommand(txCmd)
	rootCmd.AddCommand(repayCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(attestCmd)
	rootCmd.AddCommand(positionCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if bearer != "" {
		opts = append(opts, client.WithBearerToken(bearer))
	}
	if apiKey != "" {
		opts = append(opts, client.WithAPIKey(apiKey))
	}
	if actor != "" {
		opts = append(opts, client.WithActor(actor))
	}
	return client.New(serverURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── delegation ───────────────────────────────────────────────────────────────

var delegationCmd = &cobra.Command{
	Use:     "delegation",
	Aliases: []string{"del"},
	Short:   "Manage credit delegations",
}

var (
	delAgent      string
	delLimit      string
	delCap        float64
	delCategories []string
	delDuration   string
	delRevoker    string
)

func delegationTerms() (client.Terms, error) {
	limit, err := decimal.NewFromString(delLimit)
	if err != nil {
		return client.Terms{}, fmt.Errorf("invalid --limit %q: %w", delLimit, err)
	}
	return client.Terms{
		CreditLimit:         limit,
		UtilizationCap:      delCap,
		Categories:          delCategories,
		Duration:            delDuration,
		RevocationAuthority: delRevoker,
	}, nil
}

func termsFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&delLimit, "limit", "", "credit limit, e.g. 10000")
	cmd.Flags().Float64Var(&delCap, "cap", 0.8, "utilization cap in (0, 1]")
	cmd.Flags().StringSliceVar(&delCategories, "category", nil, "permitted spend category (repeatable)")
	cmd.Flags().StringVar(&delDuration, "duration", "720h", "delegation lifetime, e.g. 720h")
	cmd.Flags().StringVar(&delRevoker, "revoker", "", "third-party revocation authority")
	_ = cmd.MarkFlagRequired("limit")
	_ = cmd.MarkFlagRequired("category")
}

var delegationCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Delegate credit to an agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		terms, err := delegationTerms()
		if err != nil {
			return err
		}
		d, err := c.CreateDelegation(context.Background(), delAgent, terms)
		if err != nil {
			return fmt.Errorf("create delegation: %w", err)
		}
		fmt.Printf("✓ Delegation created\n\n")
		fmt.Printf("  ID:      %s\n", d.ID)
		fmt.Printf("  Agent:   %s\n", d.AgentID)
		fmt.Printf("  Limit:   %s (cap %.0f%%)\n", d.Terms.CreditLimit, d.Terms.UtilizationCap*100)
		fmt.Printf("  Expires: %s\n", d.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var (
	listOwner string
	listAgent string
)

var delegationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List delegations",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ds, err := c.ListDelegations(context.Background(), listOwner, listAgent)
		if err != nil {
			return fmt.Errorf("list delegations: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tLIMIT\tUTILIZED\tEXPIRES")
		for _, d := range ds {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				d.ID, d.AgentID, d.Status, d.Terms.CreditLimit, d.Utilized,
				d.ExpiresAt.Format("2006-01-02"))
		}
		return w.Flush()
	},
}

var delegationGetCmd = &cobra.Command{
	Use:   "get <delegation-id>",
	Short: "Show one delegation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		d, err := c.GetDelegation(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get delegation: %w", err)
		}
		return printJSON(d)
	},
}

var delegationModifyCmd = &cobra.Command{
	Use:   "modify <delegation-id>",
	Short: "Replace a delegation's terms (applies prospectively)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		terms, err := delegationTerms()
		if err != nil {
			return err
		}
		d, err := c.ModifyDelegation(context.Background(), args[0], terms)
		if err != nil {
			return fmt.Errorf("modify delegation: %w", err)
		}
		return printJSON(d)
	},
}

func lifecycleCmd(use, short string, fn func(*client.Client, context.Context, string) (*client.Delegation, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <delegation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			d, err := fn(c, context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("%s delegation: %w", use, err)
			}
			fmt.Printf("✓ Delegation %s is now %s\n", d.ID, d.Status)
			return nil
		},
	}
}

func init() {
	termsFlags(delegationCreateCmd)
	delegationCreateCmd.Flags().StringVar(&delAgent, "agent", "", "agent receiving the delegation")
	_ = delegationCreateCmd.MarkFlagRequired("agent")

	termsFlags(delegationModifyCmd)

	delegationListCmd.Flags().StringVar(&listOwner, "owner", "", "filter by owner")
	delegationListCmd.Flags().StringVar(&listAgent, "agent", "", "filter by agent")

	delegationCmd.AddCommand(delegationCreateCmd)
	delegationCmd.AddCommand(delegationListCmd)
	delegationCmd.AddCommand(delegationGetCmd)
	delegationCmd.AddCommand(delegationModifyCmd)
	delegationCmd.AddCommand(lifecycleCmd("pause", "Pause a delegation", (*client.Client).PauseDelegation))
	delegationCmd.AddCommand(lifecycleCmd("resume", "Resume a paused delegation", (*client.Client).ResumeDelegation))
	delegationCmd.AddCommand(lifecycleCmd("revoke", "Irreversibly revoke a delegation", (*client.Client).RevokeDelegation))
}

// ── tx ───────────────────────────────────────────────────────────────────────

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Execute and inspect transactions",
}

var (
	txAmount   string
	txCategory string
	txIdemKey  string
)

var txExecuteCmd = &cobra.Command{
	Use:   "execute <delegation-id>",
	Short: "Draw against a delegation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(txAmount)
		if err != nil {
			return fmt.Errorf("invalid --amount %q: %w", txAmount, err)
		}
		tx, err := c.ExecuteTransaction(context.Background(), args[0], amount, txCategory, txIdemKey)
		if err != nil {
			return fmt.Errorf("execute transaction: %w", err)
		}
		if tx.Replayed {
			fmt.Printf("✓ Transaction replayed (idempotent resubmission)\n\n")
		} else {
			fmt.Printf("✓ Transaction executed\n\n")
		}
		fmt.Printf("  ID:       %s\n", tx.ID)
		fmt.Printf("  Amount:   %s (%s)\n", tx.Amount, tx.Category)
		fmt.Printf("  Utilized: %s\n", tx.UtilizedAfter)
		return nil
	},
}

var txListCmd = &cobra.Command{
	Use:   "list <delegation-id>",
	Short: "List a delegation's transactions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		txs, err := c.ListTransactions(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("list transactions: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAMOUNT\tCATEGORY\tUTILIZED\tEXECUTED")
		for _, tx := range txs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				tx.ID, tx.Amount, tx.Category, tx.UtilizedAfter,
				tx.ExecutedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	txExecuteCmd.Flags().StringVar(&txAmount, "amount", "", "draw amount")
	txExecuteCmd.Flags().StringVar(&txCategory, "category", "", "spend category")
	txExecuteCmd.Flags().StringVar(&txIdemKey, "idempotency-key", "", "client-chosen key for safe retries")
	_ = txExecuteCmd.MarkFlagRequired("amount")
	_ = txExecuteCmd.MarkFlagRequired("category")

	txCmd.AddCommand(txExecuteCmd)
	txCmd.AddCommand(txListCmd)
}

// ── repay ────────────────────────────────────────────────────────────────────

var (
	repayAmount  string
	repayDue     string
	repayIdemKey string
)

var repayCmd = &cobra.Command{
	Use:   "repay <delegation-id>",
	Short: "Record a repayment against a delegation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(repayAmount)
		if err != nil {
			return fmt.Errorf("invalid --amount %q: %w", repayAmount, err)
		}
		dueAt := time.Now().UTC()
		if repayDue != "" {
			dueAt, err = time.Parse(time.RFC3339, repayDue)
			if err != nil {
				return fmt.Errorf("invalid --due %q (want RFC3339): %w", repayDue, err)
			}
		}
		rp, err := c.RecordRepayment(context.Background(), args[0], amount, dueAt, repayIdemKey)
		if err != nil {
			return fmt.Errorf("record repayment: %w", err)
		}
		fmt.Printf("✓ Repayment recorded (%s)\n\n", rp.Status)
		fmt.Printf("  Amount:   %s\n", rp.Amount)
		fmt.Printf("  Utilized: %s\n", rp.UtilizedAfter)
		return nil
	},
}

func init() {
	repayCmd.Flags().StringVar(&repayAmount, "amount", "", "repayment amount")
	repayCmd.Flags().StringVar(&repayDue, "due", "", "original due date, RFC3339 (default now)")
	repayCmd.Flags().StringVar(&repayIdemKey, "idempotency-key", "", "client-chosen key for safe retries")
	_ = repayCmd.MarkFlagRequired("amount")
}

// ── profile / attest ─────────────────────────────────────────────────────────

var profileCmd = &cobra.Command{
	Use:   "profile <agent-id>",
	Short: "Show an agent's credit profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.AgentProfile(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("profile: %w", err)
		}
		p := res.Profile
		trend := "→"
		if res.Trend > 0 {
			trend = "↑"
		} else if res.Trend < 0 {
			trend = "↓"
		}
		fmt.Printf("Agent:  %s\n", p.AgentID)
		fmt.Printf("Score:  %d (%s) %s\n", p.Score, p.Rating, trend)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\nFACTOR\tVALUE")
		for factor, v := range p.Factors {
			fmt.Fprintf(w, "%s\t%.2f\n", factor, v)
		}
		return w.Flush()
	},
}

var (
	attestIssuer string
	attestKind   string
	attestWeight float64
)

var attestCmd = &cobra.Command{
	Use:   "attest <agent-id>",
	Short: "Record an external attestation for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.RecordAttestation(context.Background(), args[0], attestIssuer, attestKind, attestWeight); err != nil {
			return fmt.Errorf("attest: %w", err)
		}
		fmt.Printf("✓ Attestation recorded for %s\n", args[0])
		return nil
	},
}

func init() {
	attestCmd.Flags().StringVar(&attestIssuer, "issuer", "", "attestation issuer")
	attestCmd.Flags().StringVar(&attestKind, "kind", "", "attestation kind, e.g. kyb")
	attestCmd.Flags().Float64Var(&attestWeight, "weight", 1.0, "attestation weight (> 0)")
	_ = attestCmd.MarkFlagRequired("issuer")
	_ = attestCmd.MarkFlagRequired("kind")
}

// ── position ─────────────────────────────────────────────────────────────────

var positionCmd = &cobra.Command{
	Use:     "position",
	Aliases: []string{"pos"},
	Short:   "Manage leveraged positions",
}

var (
	posDelegation string
	posTier       string
	posAgreement  string
	posAssets     []string
)

// parseAssets turns SYMBOL:UNITS[:WEIGHT] flags into asset inputs.
func parseAssets(specs []string) ([]client.AssetInput, error) {
	assets := make([]client.AssetInput, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid --asset %q (want SYMBOL:UNITS[:WEIGHT])", spec)
		}
		units, err := decimal.NewFromString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid units in --asset %q: %w", spec, err)
		}
		a := client.AssetInput{Symbol: strings.ToUpper(parts[0]), Units: units, LiquidityWeight: 1.0}
		if len(parts) == 3 {
			if _, err := fmt.Sscanf(parts[2], "%f", &a.LiquidityWeight); err != nil {
				return nil, fmt.Errorf("invalid weight in --asset %q: %w", spec, err)
			}
		}
		assets = append(assets, a)
	}
	return assets, nil
}

var positionOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a leveraged position on a delegation",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		assets, err := parseAssets(posAssets)
		if err != nil {
			return err
		}
		p, err := c.OpenPosition(context.Background(), client.OpenPositionRequest{
			DelegationID: posDelegation,
			Tier:         posTier,
			AgreementRef: posAgreement,
			Collateral:   assets,
		})
		if err != nil {
			return fmt.Errorf("open position: %w", err)
		}
		fmt.Printf("✓ Position opened\n\n")
		fmt.Printf("  ID:       %s\n", p.ID)
		fmt.Printf("  Tier:     %s\n", p.Tier)
		fmt.Printf("  Leverage: %.2fx\n", p.LeverageRatio)
		fmt.Printf("  Adequacy: %.2f\n", p.Adequacy)
		return nil
	},
}

var positionGetCmd = &cobra.Command{
	Use:   "get <position-id>",
	Short: "Show one position",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.GetPosition(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("get position: %w", err)
		}
		return printJSON(p)
	},
}

var positionEvaluateCmd = &cobra.Command{
	Use:   "evaluate <position-id>",
	Short: "Re-evaluate a position against current market data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ev, err := c.EvaluatePosition(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("evaluate position: %w", err)
		}
		fmt.Printf("Position: %s (%s tier)\n", ev.PositionID, ev.Tier)
		fmt.Printf("Leverage: %.2fx\n", ev.LeverageRatio)
		fmt.Printf("Adequacy: %.2f\n", ev.Adequacy)
		fmt.Printf("Risk:     %.2f\n", ev.RiskScore)
		return nil
	},
}

var positionPledgeCmd = &cobra.Command{
	Use:   "pledge <position-id>",
	Short: "Pledge additional collateral to a position",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		assets, err := parseAssets(posAssets)
		if err != nil {
			return err
		}
		p, err := c.PledgeCollateral(context.Background(), args[0], assets)
		if err != nil {
			return fmt.Errorf("pledge collateral: %w", err)
		}
		fmt.Printf("✓ Collateral pledged, adequacy now %.2f\n", p.Adequacy)
		return nil
	},
}

func init() {
	positionOpenCmd.Flags().StringVar(&posDelegation, "delegation", "", "delegation backing the position")
	positionOpenCmd.Flags().StringVar(&posTier, "tier", "", "leverage tier name")
	positionOpenCmd.Flags().StringVar(&posAgreement, "agreement", "", "signed agreement reference (higher tiers)")
	positionOpenCmd.Flags().StringSliceVar(&posAssets, "asset", nil, "collateral asset SYMBOL:UNITS[:WEIGHT] (repeatable)")
	_ = positionOpenCmd.MarkFlagRequired("delegation")
	_ = positionOpenCmd.MarkFlagRequired("tier")

	positionPledgeCmd.Flags().StringSliceVar(&posAssets, "asset", nil, "collateral asset SYMBOL:UNITS[:WEIGHT] (repeatable)")
	_ = positionPledgeCmd.MarkFlagRequired("asset")

	positionCmd.AddCommand(positionOpenCmd)
	positionCmd.AddCommand(positionGetCmd)
	positionCmd.AddCommand(positionEvaluateCmd)
	positionCmd.AddCommand(positionPledgeCmd)
}

// ── ledger / pool ────────────────────────────────────────────────────────────

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and audit the event ledger",
}

var ledgerHeadCmd = &cobra.Command{
	Use:   "head",
	Short: "Show the ledger chain tip",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		head, err := c.Ledger(context.Background())
		if err != nil {
			return fmt.Errorf("ledger head: %w", err)
		}
		fmt.Printf("Head: %d\n", head.Head)
		fmt.Printf("Root: %s\n", head.Root)
		return nil
	},
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the ledger hash chain end to end",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.VerifyLedger(context.Background()); err != nil {
			return fmt.Errorf("ledger verification FAILED: %w", err)
		}
		fmt.Println("✓ Ledger chain intact")
		return nil
	},
}

var (
	eventsSince int64
	eventsLimit int
)

var ledgerEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read the ledger event feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		events, next, err := c.LedgerEvents(context.Background(), eventsSince, eventsLimit)
		if err != nil {
			return fmt.Errorf("ledger events: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tKIND\tDELEGATION\tAGENT\tRECORDED")
		for _, e := range events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				e.Seq, e.Kind, e.DelegationID, e.AgentID,
				e.RecordedAt.Format(time.RFC3339))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\nNext cursor: %d\n", next)
		return nil
	},
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Show the insurance pool balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		balance, err := c.PoolBalance(context.Background())
		if err != nil {
			return fmt.Errorf("pool balance: %w", err)
		}
		fmt.Printf("Insurance pool: %s\n", balance)
		return nil
	},
}

func init() {
	ledgerEventsCmd.Flags().Int64Var(&eventsSince, "since", 0, "read events after this sequence number")
	ledgerEventsCmd.Flags().IntVar(&eventsLimit, "limit", 100, "maximum events per page")

	ledgerCmd.AddCommand(ledgerHeadCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerEventsCmd)
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenKeyPath    string
	tokenIssuerURL  string
	tokenSubject    string
	tokenDelegation string
	tokenRoles      []string
	tokenTTL        time.Duration
)

// tokenCmd mints capability tokens locally with the server's signing key.
// Useful for operators bootstrapping access without an identity provider.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a capability token with the server signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := identity.LoadOrGenerateKey(tokenKeyPath)
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		issuer := identity.NewTokenIssuer(key, tokenIssuerURL, tokenTTL)
		tok, err := issuer.Issue(tokenSubject, tokenRoles, tokenDelegation)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenKeyPath, "key", "certs/mandate-signing.pem", "path to the server RSA signing key")
	tokenCmd.Flags().StringVar(&tokenIssuerURL, "issuer", "http://localhost:8080", "token issuer URL (must match the server)")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "principal the token identifies")
	tokenCmd.Flags().StringVar(&tokenDelegation, "delegation", "", "restrict the token to one delegation")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "role claim (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mandate %s\n", version)
	},
}
