package srvreg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmadzakiakmal/custody/app"
	"github.com/ahmadzakiakmal/custody/contract"
	"github.com/ahmadzakiakmal/custody/coordinator"
	"github.com/ahmadzakiakmal/custody/gateway"
	"github.com/ahmadzakiakmal/custody/lifecycle"
	"github.com/ahmadzakiakmal/custody/registry"
	"github.com/ahmadzakiakmal/custody/repository"
	"github.com/ahmadzakiakmal/custody/repository/models"
	"github.com/ahmadzakiakmal/custody/session"
)

type stubJournal struct {
	rows    []models.Submission
	err     *repository.RepositoryError
	assetID uint64
	limit   int
}

func (j *stubJournal) ListSubmissions(_ context.Context, assetID uint64, limit int) ([]models.Submission, *repository.RepositoryError) {
	j.assetID, j.limit = assetID, limit
	return j.rows, j.err
}

type fixture struct {
	registry *ServiceRegistry
	wallet   *session.Keyring
	accounts []string
}

func newFixture(t *testing.T, journal SubmissionLister) *fixture {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := app.NewABCIApplication(db, &app.AppConfig{ChainID: "1337"}, nil)
	client, err := app.NewLocalClient(ledger)
	require.NoError(t, err)

	wallet, err := session.NewKeyring(session.DevMnemonic, 3, nil)
	require.NoError(t, err)
	sessions := session.NewManager(wallet, client, map[string]string{"1337": contract.Address("1337")}, nil)
	gw := gateway.New(client, sessions, nil)
	cache := registry.New(gw, nil, nil)
	coord := coordinator.New(coordinator.Config{}, gw, cache, sessions, nil)

	sr := NewServiceRegistry(sessions, cache, coord, journal, nil)
	sr.RegisterDefaultServices()
	return &fixture{registry: sr, wallet: wallet, accounts: wallet.Accounts()}
}

func (f *fixture) do(t *testing.T, method, path, body string, query map[string]string) (*Response, map[string]any) {
	t.Helper()
	req := &Request{Method: method, Path: path, Body: body, Query: query}
	resp, err := req.GenerateResponse(f.registry)
	require.NoError(t, err)

	var decoded map[string]any
	if len(resp.Body) > 0 && resp.Body[0] == '{' {
		require.NoError(t, json.Unmarshal([]byte(resp.Body), &decoded))
	}
	return resp, decoded
}

func TestMatchPath(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/products/:id", "/products/12", true},
		{"/products/:id", "/products", false},
		{"/products/:id", "/products/", false},
		{"/products/:id/:action", "/products/3/ship", true},
		{"/products/:id/:action", "/products/3", false},
		{"/session", "/sessions", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchPath(tc.pattern, tc.path), "%s vs %s", tc.pattern, tc.path)
	}
}

func TestRouting(t *testing.T) {
	f := newFixture(t, nil)

	_, ok := f.registry.GetHandlerForPath("post", "/products/7/ship")
	assert.True(t, ok)
	_, ok = f.registry.GetHandlerForPath("DELETE", "/products/7")
	assert.False(t, ok)

	resp, body := f.do(t, "GET", "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "Service not found")
}

func TestUnconnectedRequestsAreRefused(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, "GET", "/session", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["connected"])

	resp, _ = f.do(t, "GET", "/products", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, "POST", "/products", `{"name":"Crate"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectWalletLocked(t *testing.T) {
	f := newFixture(t, nil)
	f.wallet.Lock()

	resp, _ := f.do(t, "POST", "/session/connect", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCustodyOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	a, b := f.accounts[0], f.accounts[1]

	resp, body := f.do(t, "POST", "/session/connect", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)
	assert.Equal(t, a, body["account"])
	assert.Equal(t, "1337", body["network_id"])

	resp, _ = f.do(t, "POST", "/products", `{"name":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, "POST", "/products", `{"name":"Crate"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, resp.Body)
	assert.Equal(t, "Confirmed", body["status"])
	assert.EqualValues(t, 1, body["asset_id"])

	resp, body = f.do(t, "GET", "/products/1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)
	assert.Equal(t, "Produced", body["state"])
	assert.Equal(t, a, body["owner"])
	assert.Equal(t, []any{"MarkForSale"}, body["allowed_actions"])

	resp, _ = f.do(t, "POST", "/products/1/ship", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, "POST", "/products/1/ship", `{"recipient":"`+b+`"}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "InvalidTransition", body["failure"])

	resp, body = f.do(t, "POST", "/products/1/mark-for-sale", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)
	assert.Equal(t, "Confirmed", body["status"])

	resp, _ = f.do(t, "POST", "/session/account", `{"account":"`+b+`"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, "POST", "/products/1/ship", `{"recipient":"`+b+`"}`, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Unauthorized", body["failure"])

	resp, _ = f.do(t, "POST", "/products/1/teleport", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, "GET", "/products/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, "GET", "/products/99", "", map[string]string{"fresh": "true"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, "GET", "/products", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []lifecycle.Asset
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, lifecycle.ForSale, listed[0].State)

	resp, _ = f.do(t, "GET", "/submissions/pending", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", resp.Body)

	resp, _ = f.do(t, "POST", "/session/account", `{"account":"0x0000000000000000000000000000000000000bad"}`, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, "POST", "/session/disconnect", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, "GET", "/products/1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "cached reads need no session")
	resp, _ = f.do(t, "GET", "/products", "", map[string]string{"cached": "true"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListSubmissions(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, "GET", "/submissions", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	journal := &stubJournal{rows: []models.Submission{{ID: "r1", AssetID: 4, Action: "Sell", Status: "Confirmed"}}}
	f = newFixture(t, journal)

	resp, _ = f.do(t, "GET", "/submissions", "", map[string]string{"asset": "4", "limit": "5"})
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)
	assert.Equal(t, uint64(4), journal.assetID)
	assert.Equal(t, 5, journal.limit)
	assert.Contains(t, resp.Body, `"id":"r1"`)
	assert.Contains(t, resp.Body, `"asset_id":4`)

	resp, _ = f.do(t, "GET", "/submissions", "", map[string]string{"limit": "-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	journal.err = &repository.RepositoryError{Code: repository.CodeNotConnected, Message: "journal is not connected"}
	resp, _ = f.do(t, "GET", "/submissions", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, errorStatus(session.ErrNetworkMismatch))
	assert.Equal(t, http.StatusConflict, errorStatus(fmt.Errorf("markForSale: %w", session.ErrAccountChanged)))
	assert.Equal(t, http.StatusForbidden, errorStatus(session.ErrConnectionRejected))
	assert.Equal(t, http.StatusUnprocessableEntity, errorStatus(gateway.ErrTransactionRejected))
	assert.Equal(t, http.StatusBadGateway, errorStatus(gateway.ErrDecode))
	assert.Equal(t, http.StatusBadRequest, errorStatus(coordinator.ErrMissingRecipient))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(context.Canceled))
}
