package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/walletconnect-go/wcrelay/internal/client"
	"github.com/walletconnect-go/wcrelay/internal/secretstore"
	"github.com/walletconnect-go/wcrelay/pkg/log"
)

var (
	apiKeyParam string
	awsRegion   string
)

// runCmd connects a client and opens an interactive session for driving
// its pairing/session operations. A single client's crypto store lives
// for exactly one process's lifetime (§3 "no key ever leaves the
// store"), so propose/pair/session-propose/session-approve/
// session-request/disconnect are verbs inside this one session rather
// than separate process invocations.
func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a relay and open an interactive pairing/session session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&apiKeyParam, "api-key-param", "", "secret-store parameter name to resolve the relay API key from, instead of --api-key")
	cmd.Flags().StringVar(&awsRegion, "aws-region", "us-east-1", "AWS region for --api-key-param lookups")
	return cmd
}

func resolveAPIKey(ctx context.Context) (string, error) {
	if apiKeyParam == "" {
		return apiKey, nil
	}
	store, err := secretstore.NewSSMStore(ctx, awsRegion)
	if err != nil {
		return "", err
	}
	return store.GetSecret(ctx, apiKeyParam)
}

func runInteractive(ctx context.Context) error {
	key, err := resolveAPIKey(ctx)
	if err != nil {
		return err
	}

	delegate := &cliDelegate{}
	cl := client.New(client.Config{
		RelayURL:      relayURL,
		RelayProtocol: relayProtocol,
		APIKey:        key,
		IsController:  isController,
		// sequenceStore is nil unless the config file loaded by
		// Execute's PersistentPreRunE enabled redis_store, in which
		// case client.Config.withDefaults leaves it as-is rather than
		// falling back to the in-process default.
		Store: sequenceStore,
	}, delegate)

	if err := cl.Connect(ctx); err != nil {
		return err
	}
	defer cl.Close()

	fmt.Println("connected. type 'help' for commands, 'exit' to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := dispatch(ctx, cl, delegate, line); err != nil {
			log.Errorf("%v", err)
		}
	}
	return scanner.Err()
}

func dispatch(ctx context.Context, cl *client.Client, delegate *cliDelegate, line string) error {
	tokens := strings.Fields(line)
	verb, args := tokens[0], tokens[1:]

	switch verb {
	case "help":
		printHelp()
		return nil
	case "propose":
		return doPropose(ctx, cl)
	case "pair":
		return doPair(ctx, cl, args)
	case "session-propose":
		return doSessionPropose(ctx, cl, args)
	case "session-approve":
		return doSessionApprove(ctx, cl, delegate, args)
	case "session-reject":
		return doSessionReject(ctx, cl, delegate, args)
	case "session-request":
		return doSessionRequest(ctx, cl, args)
	case "session-respond":
		return doSessionRespond(ctx, cl, args)
	case "disconnect":
		return doDisconnect(ctx, cl, args)
	case "list":
		for i, p := range delegate.listProposals() {
			fmt.Printf("#%d pairing=%s chains=%v methods=%v\n", i, p.Topic, p.Permissions.Blockchains.Chains, p.Permissions.JSONRPC.Methods)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q, type 'help'", verb)
	}
}

func printHelp() {
	fmt.Println(`commands:
  propose                                          propose a pairing, print its URI
  pair <uri>                                        pair with a URI printed by the other side
  session-propose <pairing-topic> <chains,csv> <methods,csv>
  session-approve <proposal-index> [account,csv]
  session-reject <proposal-index> [message]
  session-request <topic> <chainID> <method> [json-params]
  session-respond <topic> <id> <json-result>
  disconnect <topic> [message]
  list                                               list session proposals received so far
  exit                                               quit`)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func requireArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func parseIndex(s string) (int, error) {
	return strconv.Atoi(s)
}
