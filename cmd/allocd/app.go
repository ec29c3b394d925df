package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/allocd"
	"pkt.systems/allocd/client"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("ALLOCD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "allocd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "allocd",
		Short:         "allocd coordinates numeric object-id allocation against a remote ledger authority",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Preview the next free table id for the app described by app.yaml
  allocd -s https://ledger.example:9470 -m app.yaml next table

  # Commit three codeunit ids and check them against sibling snapshots
  allocd -m app.yaml assign codeunit --count 3 --check-collisions

  # Reserve field 10 of table 50100 (nested namespace)
  allocd -m app.yaml reserve field 10 --parent 50100

  # Merge locally observed consumption into the ledger
  allocd -m app.yaml sync --ids table=50100,50101 --ids page=50100
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("server", "s", "", "ledger authority endpoint(s), comma-separated (bare hosts assume https, port 9470)")
	persistentFlags.StringP("manifest", "m", "", "path to the YAML app manifest (guid, name, ranges, auth_key, pool_id)")
	persistentFlags.String("auth-key", "", "authorization key override (wins over the manifest)")
	persistentFlags.String("pool-id", "", "pool identity override (wins over the manifest)")
	persistentFlags.Duration("timeout", client.DefaultHTTPTimeout, "per-request HTTP timeout")
	persistentFlags.Int("retries", -1, "transient-failure retries (-1 keeps the SDK default)")
	persistentFlags.Bool("endpoint-shuffle", true, "shuffle endpoints before each request")
	persistentFlags.String("log-level", "warn", "log level (trace, debug, info, warn, error)")

	mustBindFlag := func(name string) {
		var flag *pflag.Flag
		if flag = persistentFlags.Lookup(name); flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("ALLOCD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"server", "manifest", "auth-key", "pool-id",
		"timeout", "retries", "endpoint-shuffle", "log-level",
	} {
		mustBindFlag(name)
	}

	cmd.AddCommand(newNextCommand(baseLogger))
	cmd.AddCommand(newReserveCommand(baseLogger))
	cmd.AddCommand(newAssignCommand(baseLogger))
	cmd.AddCommand(newReserveRangeCommand(baseLogger))
	cmd.AddCommand(newSuggestCommand(baseLogger))
	cmd.AddCommand(newSyncCommand(baseLogger))
	cmd.AddCommand(newConsumptionCommand(baseLogger))
	cmd.AddCommand(newManagedCommand(baseLogger))
	cmd.AddCommand(newAuthorizeCommand(baseLogger))
	cmd.AddCommand(newDeauthorizeCommand(baseLogger))
	cmd.AddCommand(newPoolCommand(baseLogger))
	cmd.AddCommand(newCollisionsCommand(baseLogger))
	cmd.AddCommand(newOverlapsCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func cliLogger(baseLogger pslog.Logger) pslog.Logger {
	level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level")))
	if ok {
		return baseLogger.LogLevel(level)
	}
	return baseLogger
}

// newLedgerClient builds the SDK client from the bound connection flags.
func newLedgerClient(logger pslog.Logger) (*client.Client, error) {
	server := strings.TrimSpace(viper.GetString("server"))
	if server == "" {
		return nil, fmt.Errorf("no ledger endpoint: set --server or ALLOCD_SERVER")
	}
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithEndpointShuffle(viper.GetBool("endpoint-shuffle")),
	}
	if d := viper.GetDuration("timeout"); d > 0 {
		opts = append(opts, client.WithHTTPTimeout(d))
	}
	if n := viper.GetInt("retries"); n >= 0 {
		opts = append(opts, client.WithFailureRetries(n))
	}
	return client.New(server, opts...)
}

// loadApp reads the manifest and applies flag overrides.
func loadApp() (allocd.App, error) {
	path := strings.TrimSpace(viper.GetString("manifest"))
	if path == "" {
		return allocd.App{}, fmt.Errorf("no app manifest: set --manifest or ALLOCD_MANIFEST")
	}
	app, err := loadManifest(path)
	if err != nil {
		return allocd.App{}, err
	}
	if key := strings.TrimSpace(viper.GetString("auth-key")); key != "" {
		app.AuthKey = key
	}
	if pool := strings.TrimSpace(viper.GetString("pool-id")); pool != "" {
		app.PoolID = pool
	}
	return app, nil
}

func newCLICoordinator(baseLogger pslog.Logger) (*allocd.Coordinator, allocd.App, error) {
	logger := cliLogger(baseLogger)
	cli, err := newLedgerClient(logger)
	if err != nil {
		return nil, allocd.App{}, err
	}
	app, err := loadApp()
	if err != nil {
		return nil, allocd.App{}, err
	}
	coord, err := allocd.NewCoordinator(cli, app, allocd.WithLogger(logger))
	if err != nil {
		return nil, allocd.App{}, err
	}
	return coord, app, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	// Bound the whole command, not just one request; the SDK applies the
	// per-request timeout itself.
	return context.WithTimeout(ctx, 5*time.Minute)
}
