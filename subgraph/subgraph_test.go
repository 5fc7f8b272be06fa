package subgraph_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/subgraph"
)

func jsonHandler(t *testing.T, body string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}
}

func TestClientQueryDecodesData(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, `{"data":{"value":7}}`))
	defer srv.Close()

	c := subgraph.NewClient(srv.URL, time.Second)
	var out struct {
		Value int `json:"value"`
	}
	require.NoError(t, c.Query(context.Background(), "query{value}", nil, &out))
	require.Equal(t, 7, out.Value)
}

func TestClientQueryPropagatesGraphQLErrors(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, `{"errors":[{"message":"bad query"}]}`))
	defer srv.Close()

	c := subgraph.NewClient(srv.URL, time.Second)
	var out struct{}
	err := c.Query(context.Background(), "query{value}", nil, &out)
	require.ErrorContains(t, err, "bad query")
}

func TestClientQueryRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"value":1}}`))
	}))
	defer srv.Close()

	c := subgraph.NewClient(srv.URL, time.Second)
	var out struct {
		Value int `json:"value"`
	}
	require.NoError(t, c.Query(context.Background(), "query{value}", nil, &out))
	require.GreaterOrEqual(t, atomic.LoadInt64(&calls), int64(3))
}

func TestClientQueryDoesNotRetryOn4xx(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := subgraph.NewClient(srv.URL, time.Second)
	var out struct{}
	err := c.Query(context.Background(), "query{value}", nil, &out)
	require.Error(t, err)
	require.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func escrowAccountsFixture(t *testing.T, accounts int) string {
	t.Helper()
	type signer struct {
		Signer string `json:"signer"`
	}
	type sender struct {
		ID                string   `json:"id"`
		AuthorizedSigners []signer `json:"authorizedSigners"`
	}
	type account struct {
		Balance            string `json:"balance"`
		TotalAmountThawing string `json:"totalAmountThawing"`
		Sender             sender `json:"sender"`
	}
	list := make([]account, accounts)
	for i := range list {
		list[i] = account{
			Balance:            "100",
			TotalAmountThawing: "40",
			Sender: sender{
				ID:                core.Address{byte(i + 1)}.Hex(),
				AuthorizedSigners: []signer{{Signer: core.Address{byte(i + 50)}.Hex()}},
			},
		}
	}
	payload, err := json.Marshal(map[string]any{
		"data": map[string]any{"escrowAccounts": list},
	})
	require.NoError(t, err)
	return string(payload)
}

func TestEscrowFetcherComputesBalanceNetOfThawing(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if n == 1 {
			w.Write([]byte(escrowAccountsFixture(t, 1)))
			return
		}
		w.Write([]byte(`{"data":{"escrowAccounts":[]}}`))
	}))
	defer srv.Close()

	client := subgraph.NewClient(srv.URL, time.Second)
	fetcher := subgraph.NewEscrowFetcher(client, core.Address{0xFF})

	snap, err := fetcher.FetchSnapshot(context.Background())
	require.NoError(t, err)

	accounts := snap.Senders()
	require.Len(t, accounts, 1)
	sender := accounts[0]
	require.Equal(t, "60", snap.Balance(sender).String())
}

func TestNetworkFetcherBucketsUnderZeroAddress(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, `{"data":{"allocations":[
		{"id":"`+core.Address{0x01}.Hex()+`","createdAtEpoch":"100"},
		{"id":"`+core.Address{0x02}.Hex()+`","createdAtEpoch":"200"}
	]}}`))
	defer srv.Close()

	client := subgraph.NewClient(srv.URL, time.Second)
	fetcher := subgraph.NewNetworkFetcher(client, core.Address{0xEE})

	out, err := fetcher.FetchActiveAllocations(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[core.ZeroAddress], 2)
}

func TestNetworkFetcherConfirmClosedTreatsMissingAsClosed(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, `{"data":{"allocation":null}}`))
	defer srv.Close()

	client := subgraph.NewClient(srv.URL, time.Second)
	fetcher := subgraph.NewNetworkFetcher(client, core.Address{0xEE})

	closed, err := fetcher.ConfirmClosed(context.Background(), core.Address{0x01})
	require.NoError(t, err)
	require.True(t, closed)
}

func TestNetworkFetcherConfirmClosedFalseWhileActive(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, `{"data":{"allocation":{"id":"x","status":"Active","closedAtEpoch":null}}}`))
	defer srv.Close()

	client := subgraph.NewClient(srv.URL, time.Second)
	fetcher := subgraph.NewNetworkFetcher(client, core.Address{0xEE})

	closed, err := fetcher.ConfirmClosed(context.Background(), core.Address{0x01})
	require.NoError(t, err)
	require.False(t, closed)
}

func TestRedemptionWatcherClosedStatusIsRedeemed(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, `{"data":{"allocation":{"id":"x","status":"Closed"}}}`))
	defer srv.Close()

	watcher := subgraph.NewRedemptionWatcher(subgraph.NewClient(srv.URL, time.Second))
	redeemed, err := watcher.IsRedeemed(context.Background(), core.Address{0x01})
	require.NoError(t, err)
	require.True(t, redeemed)
}

func TestRedemptionWatcherMissingIsRedeemed(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, `{"data":{"allocation":null}}`))
	defer srv.Close()

	watcher := subgraph.NewRedemptionWatcher(subgraph.NewClient(srv.URL, time.Second))
	redeemed, err := watcher.IsRedeemed(context.Background(), core.Address{0x01})
	require.NoError(t, err)
	require.True(t, redeemed)
}

func TestStaticAppraiserMeetsMinimum(t *testing.T) {
	a := subgraph.StaticAppraiser{Minimum: core.NewU128FromUint64(10)}
	ok, err := a.MeetsMinimum(context.Background(), &core.Receipt{Value: core.NewU128FromUint64(10)})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.MeetsMinimum(context.Background(), &core.Receipt{Value: core.NewU128FromUint64(9)})
	require.NoError(t, err)
	require.False(t, ok)
}
