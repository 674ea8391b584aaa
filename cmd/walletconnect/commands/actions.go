package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/walletconnect-go/wcrelay/internal/chains"
	"github.com/walletconnect-go/wcrelay/internal/client"
	"github.com/walletconnect-go/wcrelay/internal/wire"
	"github.com/walletconnect-go/wcrelay/pkg/log"
)

func doPropose(ctx context.Context, cl *client.Client) error {
	uri, err := cl.Pairing.Propose(ctx)
	if err != nil {
		return err
	}
	fmt.Println(uri)
	return nil
}

func doPair(ctx context.Context, cl *client.Client, args []string) error {
	if err := requireArgs(args, 1, "pair <uri>"); err != nil {
		return err
	}
	settled, err := cl.Pairing.Pair(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("paired topic=%s peer=%s\n", settled.Topic, settled.PeerPublicKey)
	return nil
}

func doSessionPropose(ctx context.Context, cl *client.Client, args []string) error {
	if err := requireArgs(args, 2, "session-propose <pairing-topic> <chains,csv> <methods,csv> [controller-public-key]"); err != nil {
		return err
	}
	pairingTopic := args[0]
	chainIDs := splitCSV(args[1])
	for _, id := range chainIDs {
		if !chains.Valid(id) {
			log.Warnf("chain id %q is not in the well-known registry, proposing anyway", id)
		}
	}
	var methods []string
	if len(args) > 2 {
		methods = splitCSV(args[2])
	}
	var controllerKey string
	if len(args) > 3 {
		controllerKey = args[3]
	}

	permissions := wire.Permissions{
		Blockchains: wire.BlockchainPermissions{Chains: chainIDs},
		JSONRPC:     wire.JSONRPCPermissions{Methods: methods},
		Controller:  wire.ControllerPermissions{PublicKey: controllerKey},
	}
	topic, err := cl.Session.ProposeSession(ctx, pairingTopic, permissions)
	if err != nil {
		return err
	}
	fmt.Printf("session proposed, topic=%s\n", topic)
	return nil
}

func doSessionApprove(ctx context.Context, cl *client.Client, delegate *cliDelegate, args []string) error {
	if err := requireArgs(args, 1, "session-approve <proposal-index> [account,csv]"); err != nil {
		return err
	}
	idx, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	proposal, ok := delegate.proposalByIndex(idx)
	if !ok {
		return fmt.Errorf("no proposal #%d, run 'list'", idx)
	}
	var accounts []string
	if len(args) > 1 {
		accounts = splitCSV(args[1])
	}
	settled, err := cl.Session.Approve(ctx, proposal, accounts)
	if err != nil {
		return err
	}
	fmt.Printf("session settled topic=%s peer=%s\n", settled.Topic, settled.PeerPublicKey)
	return nil
}

func doSessionReject(ctx context.Context, cl *client.Client, delegate *cliDelegate, args []string) error {
	if err := requireArgs(args, 1, "session-reject <proposal-index> [message]"); err != nil {
		return err
	}
	idx, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	proposal, ok := delegate.proposalByIndex(idx)
	if !ok {
		return fmt.Errorf("no proposal #%d, run 'list'", idx)
	}
	message := "user declined"
	if len(args) > 1 {
		message = args[1]
	}
	return cl.Session.Reject(ctx, proposal, wire.Reason{Message: message})
}

func doSessionRequest(ctx context.Context, cl *client.Client, args []string) error {
	if err := requireArgs(args, 3, "session-request <topic> <chainID> <method> [json-params]"); err != nil {
		return err
	}
	topic, chainID, method := args[0], args[1], args[2]
	params := json.RawMessage("null")
	if len(args) > 3 {
		params = json.RawMessage(joinRest(args[3:]))
	}
	resp, err := cl.Session.Request(ctx, topic, method, params, chainID)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		fmt.Printf("error code=%d message=%s\n", resp.Error.Code, resp.Error.Message)
		return nil
	}
	fmt.Printf("result=%s\n", string(resp.Result))
	return nil
}

func doSessionRespond(ctx context.Context, cl *client.Client, args []string) error {
	if err := requireArgs(args, 2, "session-respond <topic> <id> <json-result>"); err != nil {
		return err
	}
	topic := args[0]
	id, err := parseID(args[1])
	if err != nil {
		return err
	}
	result := "null"
	if len(args) > 2 {
		result = joinRest(args[2:])
	}
	resp, err := wire.NewResultResponse(id, json.RawMessage(result))
	if err != nil {
		return err
	}
	return cl.Session.Respond(ctx, topic, resp)
}

func doDisconnect(ctx context.Context, cl *client.Client, args []string) error {
	if err := requireArgs(args, 1, "disconnect <topic> [message]"); err != nil {
		return err
	}
	topic := args[0]
	message := "user disconnected"
	if len(args) > 1 {
		message = joinRest(args[1:])
	}
	reason := wire.Reason{Message: message}
	if err := cl.Session.Delete(ctx, topic, reason); err != nil {
		log.Warnf("session_delete on %s: %v (trying pairing_delete)", topic, err)
		return cl.Pairing.Delete(ctx, topic, reason)
	}
	return nil
}

func joinRest(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

func parseID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}
