package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/pelagos-market/pelagos/ledger"
	"github.com/pelagos-market/pelagos/types"
)

func orderParams() ledger.OrderParams {
	return ledger.OrderParams{
		Asset: &types.Asset{ID: "did:op:data", ChainID: 1},
		Service: &types.Service{
			ID:              "svc",
			Kind:            types.ServiceKindCompute,
			ServiceEndpoint: "https://provider.example.com",
		},
		Price: types.OrderPriceAndFees{
			Base:  math.NewInt(2_000_000),
			Token: types.TokenInfo{Address: "0xocean", Symbol: "OCEAN", Decimals: 6},
		},
		Payer:    "0xpayer",
		Consumer: "0xconsumer",
	}
}

func TestBridgeOrder_Settles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/orders", r.URL.Path)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "did:op:data", req["assetId"])
		require.Equal(t, "0xpayer", req["payer"])

		fmt.Fprint(w, `{"txRef":"0xabc123","paid":"2000000"}`)
	}))
	defer srv.Close()

	b := ledger.NewBridge(srv.URL, 0, log.NewNopLogger())
	tx, err := b.Order(context.Background(), orderParams())
	require.NoError(t, err)
	require.Equal(t, "0xabc123", tx.TxRef)
	require.Equal(t, "did:op:data", tx.AssetID)
	require.Equal(t, math.NewInt(2_000_000), tx.Amount)
}

func TestBridgeOrder_UserRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"code":"user_rejected","error":"signature declined"}`)
	}))
	defer srv.Close()

	b := ledger.NewBridge(srv.URL, 0, log.NewNopLogger())
	_, err := b.Order(context.Background(), orderParams())
	require.Error(t, err)
	require.True(t, sdkerrors.IsOf(err, types.ErrUserRejected))
	require.True(t, ledger.IsUserRejection(err))
}

func TestBridgeOrder_EmptyTxRef(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"txRef":""}`)
	}))
	defer srv.Close()

	b := ledger.NewBridge(srv.URL, 0, log.NewNopLogger())
	_, err := b.Order(context.Background(), orderParams())
	require.True(t, sdkerrors.IsOf(err, types.ErrEmptyOrderTx))
}

func TestBridgeFunds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/escrow/funds", r.URL.Path)
		require.Equal(t, "0xocean", r.URL.Query().Get("token"))
		require.Equal(t, "0xconsumer", r.URL.Query().Get("consumer"))
		fmt.Fprint(w, `{"available":"5000000","locked":"100"}`)
	}))
	defer srv.Close()

	b := ledger.NewBridge(srv.URL, 0, log.NewNopLogger())
	funds, err := b.Funds(context.Background(), "0xocean", "0xconsumer")
	require.NoError(t, err)
	require.Equal(t, math.NewInt(5_000_000), funds.Available)
	require.Equal(t, math.NewInt(100), funds.Locked)
}

func TestIsUserRejection_Markers(t *testing.T) {
	require.True(t, ledger.IsUserRejection(errors.New("MetaMask Tx Signature: User denied transaction signature")))
	require.True(t, ledger.IsUserRejection(errors.New("user rejected the request")))
	require.False(t, ledger.IsUserRejection(errors.New("connection refused")))
	require.False(t, ledger.IsUserRejection(nil))
}
