package main

import (
	"bytes"
	"context"
	"strconv"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/internal/node"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	color.NoColor = true
	cfg := config.Default()
	cfg.WAL.Dir = t.TempDir()
	cfg.Transaction.PoolSize = 4
	n, err := node.Open(cfg, node.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	var out bytes.Buffer
	sh := newShell(n.Transactions, &out, transaction.SecurityContext{Subject: "shell"})
	t.Cleanup(func() { sh.close(context.Background()) })
	return sh, &out
}

// run executes lines and returns what they printed.
func run(t *testing.T, sh *shell, out *bytes.Buffer, lines ...string) string {
	t.Helper()
	out.Reset()
	for _, line := range lines {
		require.NoError(t, sh.exec(context.Background(), line))
	}
	return out.String()
}

func TestShellImplicitTransactions(t *testing.T) {
	sh, out := newTestShell(t)

	got := run(t, sh, out, "create Person")
	require.Equal(t, "Created node 1\n", got)

	got = run(t, sh, out, `set 1 name "Satoru Gojo"`, "set 1 age 28", "get 1 name", "get 1 age", "labels 1")
	require.Equal(t, "OK\nOK\n\"Satoru Gojo\"\n28\nPerson\n", got)

	got = run(t, sh, out, "get 1 missing")
	require.Equal(t, "(no value)\n", got)
}

func TestShellExplicitTransaction(t *testing.T) {
	sh, out := newTestShell(t)

	got := run(t, sh, out, "begin", "create Person")
	require.Contains(t, got, "Began transaction")
	require.Contains(t, sh.prompt(), "gojotx[")

	got = run(t, sh, out, "transactions")
	require.Contains(t, got, "EXPLICIT\tshell")

	got = run(t, sh, out, "rollback", "labels 1")
	require.Contains(t, got, "Rolled back")
	require.Contains(t, got, "Error:")
	require.Equal(t, "gojotx> ", sh.prompt())

	got = run(t, sh, out, "begin", "create A", "create B", "relate 2 KNOWS 3", "commit")
	require.Contains(t, got, "Created relationship")
	require.Contains(t, got, "Committed as transaction 1")
}

func TestShellWriteStateGuard(t *testing.T) {
	sh, out := newTestShell(t)

	got := run(t, sh, out, "begin", "create Person", "index person_name Person name")
	require.Contains(t, got, "Error:")
	require.Contains(t, got, transaction.StatusInvalidType.Code)
}

func TestShellUniqueConstraint(t *testing.T) {
	sh, out := newTestShell(t)

	got := run(t, sh, out,
		"unique person_name Person name",
		"create Person", `set 1 name "a"`,
		"create Person", `set 2 name "a"`)
	require.Contains(t, got, transaction.StatusConstraintViolation.Code)
}

func TestShellTerminate(t *testing.T) {
	sh, out := newTestShell(t)

	run(t, sh, out, "begin")
	seq := sh.tx.SequenceNumber()
	got := run(t, sh, out, "terminate "+strconv.FormatUint(seq, 10), "create Person")
	require.Contains(t, got, "Terminated transaction")
	require.Contains(t, got, transaction.StatusTerminated.Code)

	got = run(t, sh, out, "commit")
	require.Contains(t, got, "Error:")
}

func TestShellUsageAndUnknown(t *testing.T) {
	sh, out := newTestShell(t)

	got := run(t, sh, out, "set 1", "frobnicate", "get x name")
	require.Contains(t, got, "usage: set <node> <key> <value>")
	require.Contains(t, got, `unknown command "frobnicate"`)
	require.Contains(t, got, `invalid id "x"`)

	require.ErrorIs(t, sh.exec(context.Background(), "quit"), errQuit)
}

func TestParseValue(t *testing.T) {
	require.Equal(t, int64(42), parseValue("42"))
	require.Equal(t, 1.5, parseValue("1.5"))
	require.Equal(t, true, parseValue("true"))
	require.Equal(t, "x y", parseValue(`"x y"`))
	require.Equal(t, "plain", parseValue("plain"))
	require.Nil(t, parseValue("null"))
}

func TestSplitArgs(t *testing.T) {
	require.Equal(t, []string{"set", "1", "name", `"a b"`}, splitArgs(`set 1  name "a b"`))
	require.Empty(t, splitArgs("   "))
}
