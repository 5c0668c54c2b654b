package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/internal/node"
)

func newTestServer(t *testing.T) (*node.Node, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.WAL.Dir = t.TempDir()
	cfg.Transaction.PoolSize = 4
	n, err := node.Open(cfg, node.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	srv := httptest.NewServer(NewServer(n.Transactions, n.Commit.LastCommittedTransactionID, metrics, nil))
	t.Cleanup(srv.Close)
	return n, srv
}

func do(t *testing.T, method, url string, out any) (int, APIResponse) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	if out != nil && len(body.Data) > 0 {
		require.NoError(t, json.Unmarshal(body.Data, out))
	}
	return resp.StatusCode, body
}

func TestListAndTerminate(t *testing.T) {
	n, srv := newTestServer(t)
	ctx := context.Background()

	tx, err := n.Transactions.Begin(ctx, transaction.BeginParams{
		Security: transaction.SecurityContext{Subject: "bob"},
	})
	require.NoError(t, err)
	defer tx.Close(ctx)
	tx.SetMetaData(map[string]any{"app": "reports"})

	var infos []transaction.TransactionInfo
	code, _ := do(t, http.MethodGet, srv.URL+"/admin/transactions", &infos)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, infos, 1)
	require.Equal(t, tx.SequenceNumber(), infos[0].SequenceNumber)
	require.Equal(t, "bob", infos[0].Subject)
	require.Equal(t, "reports", infos[0].MetaData["app"])

	seq := srv.URL + "/admin/transactions/" + jsonNumber(tx.SequenceNumber())
	var info transaction.TransactionInfo
	code, _ = do(t, http.MethodGet, seq, &info)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "EXPLICIT", info.Type)

	code, body := do(t, http.MethodPost, seq+"/terminate", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "OK", body.Status)
	require.True(t, tx.IsTerminated())
	require.ErrorIs(t, tx.AssertOpen(), transaction.ErrTransactionTerminated)

	require.NoError(t, tx.Close(ctx))
	code, body = do(t, http.MethodPost, seq+"/terminate", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "NOT_FOUND", body.Status)
}

func TestInvalidSequence(t *testing.T) {
	_, srv := newTestServer(t)
	code, body := do(t, http.MethodPost, srv.URL+"/admin/transactions/abc/terminate", nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "ERROR", body.Status)

	code, _ = do(t, http.MethodGet, srv.URL+"/admin/transactions/0", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestStatusAndReadOnly(t *testing.T) {
	n, srv := newTestServer(t)

	code, _ := do(t, http.MethodPost, srv.URL+"/admin/read_only?enabled=true", nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, n.Transactions.ReadOnly())

	var report StatusReport
	code, _ = do(t, http.MethodGet, srv.URL+"/status", &report)
	require.Equal(t, http.StatusOK, code)
	require.True(t, report.ReadOnly)
	require.Zero(t, report.Executing)
	require.Nil(t, report.OldestStart)
	require.Equal(t, 4, report.Pool.Max)

	code, _ = do(t, http.MethodPost, srv.URL+"/admin/read_only?enabled=maybe", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestMetricsMounted(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func jsonNumber(v uint64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
