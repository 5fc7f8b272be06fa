package subgraph

import (
	"context"
	"fmt"

	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/escrow"
)

const escrowAccountsQuery = `
query($receiver: ID!, $first: Int!, $skip: Int!) {
	escrowAccounts(where: {receiver_: {id: $receiver}}, first: $first, skip: $skip) {
		balance
		totalAmountThawing
		sender {
			id
			authorizedSigners {
				signer
			}
		}
	}
}`

type escrowAccountsResponse struct {
	EscrowAccounts []struct {
		Balance            string `json:"balance"`
		TotalAmountThawing string `json:"totalAmountThawing"`
		Sender             struct {
			ID                string `json:"id"`
			AuthorizedSigners []struct {
				Signer string `json:"signer"`
			} `json:"authorizedSigners"`
		} `json:"sender"`
	} `json:"escrowAccounts"`
}

// EscrowFetcher implements escrow.Fetcher against the escrow subgraph,
// grounded on original_source/common/src/escrow_accounts.rs: one
// escrowAccounts query per indexer (paginated), balance computed as
// balance - totalAmountThawing floored at zero.
type EscrowFetcher struct {
	client   *Client
	receiver core.Address
	pageSize int
}

// NewEscrowFetcher returns a fetcher scoped to receiver (the indexer's own
// address), querying endpoint's escrow subgraph.
func NewEscrowFetcher(client *Client, receiver core.Address) *EscrowFetcher {
	return &EscrowFetcher{client: client, receiver: receiver, pageSize: 1000}
}

// FetchSnapshot implements escrow.Fetcher.
func (f *EscrowFetcher) FetchSnapshot(ctx context.Context) (escrow.Snapshot, error) {
	var accounts []escrow.Account

	for skip := 0; ; skip += f.pageSize {
		var resp escrowAccountsResponse
		vars := map[string]any{
			"receiver": f.receiver.Hex(),
			"first":    f.pageSize,
			"skip":     skip,
		}
		if err := f.client.Query(ctx, escrowAccountsQuery, vars, &resp); err != nil {
			return escrow.Snapshot{}, fmt.Errorf("subgraph: fetch escrow accounts: %w", err)
		}

		for _, a := range resp.EscrowAccounts {
			var balance, thawing core.U128
			if err := balance.UnmarshalText([]byte(a.Balance)); err != nil {
				return escrow.Snapshot{}, fmt.Errorf("subgraph: escrow account %s: balance: %w", a.Sender.ID, err)
			}
			if err := thawing.UnmarshalText([]byte(a.TotalAmountThawing)); err != nil {
				return escrow.Snapshot{}, fmt.Errorf("subgraph: escrow account %s: totalAmountThawing: %w", a.Sender.ID, err)
			}

			signers := make(map[core.Address]struct{}, len(a.Sender.AuthorizedSigners))
			for _, s := range a.Sender.AuthorizedSigners {
				signers[core.HexToAddress(s.Signer)] = struct{}{}
			}

			accounts = append(accounts, escrow.Account{
				Sender:  core.HexToAddress(a.Sender.ID),
				Balance: balance.Sub(thawing),
				Signers: signers,
			})
		}

		if len(resp.EscrowAccounts) < f.pageSize {
			break
		}
	}

	return escrow.NewSnapshot(accounts), nil
}
