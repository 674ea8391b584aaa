// Package commands builds the walletconnect CLI's cobra command tree.
// Shape grounded on the pack's wbd2023-UNSW-COMP6841-Ciphera
// (cmd/ciphera/commands/root.go): package-level flag vars, a root
// command with PersistentPreRunE doing shared setup, and one
// constructor function per subcommand.
package commands

import (
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/walletconnect-go/wcrelay/internal/config"
	"github.com/walletconnect-go/wcrelay/internal/store"
	"github.com/walletconnect-go/wcrelay/pkg/errors"
	"github.com/walletconnect-go/wcrelay/pkg/log"
)

var (
	relayURL      string
	relayProtocol string
	apiKey        string
	isController  bool
	configPath    string

	// sequenceStore is resolved by Execute's PersistentPreRunE from the
	// loaded configuration, before any subcommand runs; runCmd reads it
	// to back the client it builds.
	sequenceStore store.Store
)

// Execute builds and runs the walletconnect command tree.
func Execute() error {
	defaults := config.Default()

	root := &cobra.Command{
		Use:   "walletconnect",
		Short: "Drive a WalletConnect v2 pairing/session engine from the command line",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}

	root.PersistentFlags().StringVar(&relayURL, "relay-url", defaults.Relay.URL, "relay websocket endpoint")
	root.PersistentFlags().StringVar(&relayProtocol, "relay-protocol", "waku", "relay sub-protocol identifier embedded in pairing URIs")
	root.PersistentFlags().StringVar(&apiKey, "api-key", "", "relay API key; leave empty for a relay that does not require one")
	root.PersistentFlags().BoolVar(&isController, "controller", false, "hold the controller role for pairings and sessions this client proposes")
	root.PersistentFlags().StringVar(&configPath, "config-path", "config.yml", "path to the client configuration file (sentry DSN, redis sequence store)")

	root.AddCommand(runCmd())
	return root.Execute()
}

// loadConfig reads configPath into config.Global and wires the two
// settings that file can carry but no command-line flag does: a Sentry
// crash reporter and a Redis-backed sequence store in place of the
// in-process default.
func loadConfig() error {
	cfg := config.Read(configPath)

	if cfg.SentryDSN != "" {
		if err := errors.NewSentryReporter(cfg.SentryDSN, 0); err != nil {
			log.Warnf("sentry reporter init failed, continuing without it: %v", err)
		}
	}

	if cfg.RedisStore.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisStore.Address, DB: cfg.RedisStore.DB})
		sequenceStore = store.NewRedisStore(client)
	}
	return nil
}
