package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/txstate"
	"github.com/sushant-115/gojotx/internal/node"
)

var shellSubject string

func init() {
	cmd := newShellCmd()
	cmd.Flags().StringVar(&shellSubject, "subject", "", "Subject reported for shell transactions")
	rootCmd.AddCommand(cmd)
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive session against an embedded node",
		Long: `The shell command opens the node in-process and reads commands
interactively. Without an explicit "begin" every command runs in its own
implicit transaction.

Example:
  gojotx shell --wal-dir /tmp/gojotx
  gojotx> create Person
  gojotx> set 1 name "Satoru"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd.Context())
		},
	}
}

var (
	errorText = color.New(color.FgRed).SprintFunc()
	okText    = color.New(color.FgGreen).SprintFunc()
	dimText   = color.New(color.Faint).SprintFunc()
)

var errQuit = errors.New("quit")

func runShell(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	n, err := node.Open(cfg, node.Options{Logger: log})
	if err != nil {
		return err
	}
	defer n.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojotx> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".gojotx_history"),
		AutoComplete:    shellCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	sh := newShell(n.Transactions, rl.Stdout(), transaction.SecurityContext{Subject: shellSubject})
	defer sh.close(ctx)
	fmt.Fprintln(rl.Stdout(), "gojotx shell. Type 'help' for commands, 'exit' to leave.")
	for {
		rl.SetPrompt(sh.prompt())
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sh.exec(ctx, line); errors.Is(err, errQuit) {
			return nil
		}
	}
}

func shellCompleter() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(shellCommands))
	for _, c := range shellCommands {
		items = append(items, readline.PcItem(c.name))
	}
	return readline.NewPrefixCompleter(items...)
}

type shellCommand struct {
	name  string
	usage string
	args  int
	run   func(sh *shell, ctx context.Context, args []string) error
}

var shellCommands []shellCommand

func init() {
	shellCommands = []shellCommand{
		{"begin", "begin", 0, (*shell).begin},
		{"commit", "commit", 0, (*shell).commit},
		{"rollback", "rollback", 0, (*shell).rollback},
		{"create", "create [label...]", -1, (*shell).create},
		{"delete", "delete <node>", 1, (*shell).deleteNode},
		{"label", "label <node> <label>", 2, (*shell).addLabel},
		{"unlabel", "unlabel <node> <label>", 2, (*shell).removeLabel},
		{"set", "set <node> <key> <value>", -3, (*shell).setProperty},
		{"unset", "unset <node> <key>", 2, (*shell).removeProperty},
		{"get", "get <node> <key>", 2, (*shell).getProperty},
		{"labels", "labels <node>", 1, (*shell).labels},
		{"relate", "relate <start> <type> <end>", 3, (*shell).relate},
		{"unrelate", "unrelate <relationship>", 1, (*shell).unrelate},
		{"index", "index <name> <label> <key>", 3, (*shell).createIndex},
		{"unique", "unique <name> <label> <key>", 3, (*shell).createUnique},
		{"drop", "drop <index>", 1, (*shell).dropIndex},
		{"transactions", "transactions", 0, (*shell).transactions},
		{"terminate", "terminate <seq>", 1, (*shell).terminate},
		{"status", "status", 0, (*shell).status},
		{"help", "help", 0, (*shell).help},
		{"exit", "exit", 0, func(*shell, context.Context, []string) error { return errQuit }},
	}
}

// shell keeps at most one explicit transaction open between commands.
type shell struct {
	kt       *transaction.KernelTransactions
	out      io.Writer
	security transaction.SecurityContext
	tx       *transaction.KernelTransaction
}

func newShell(kt *transaction.KernelTransactions, out io.Writer, security transaction.SecurityContext) *shell {
	return &shell{kt: kt, out: out, security: security}
}

func (sh *shell) prompt() string {
	if sh.tx != nil && sh.tx.IsOpen() {
		return fmt.Sprintf("gojotx[%d]> ", sh.tx.SequenceNumber())
	}
	return "gojotx> "
}

// exec runs one line. Errors are printed; only errQuit is returned.
func (sh *shell) exec(ctx context.Context, line string) error {
	fields := splitArgs(line)
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	if name == "quit" {
		name = "exit"
	}
	for _, c := range shellCommands {
		if c.name != name {
			continue
		}
		args := fields[1:]
		if (c.args >= 0 && len(args) != c.args) || (c.args < -1 && len(args) < -c.args) {
			fmt.Fprintf(sh.out, "%s usage: %s\n", errorText("Error:"), c.usage)
			return nil
		}
		err := c.run(sh, ctx, args)
		if errors.Is(err, errQuit) {
			return err
		}
		if err != nil {
			sh.printError(err)
		}
		return nil
	}
	fmt.Fprintf(sh.out, "%s unknown command %q. Type 'help' for a list of commands.\n", errorText("Error:"), fields[0])
	return nil
}

func (sh *shell) printError(err error) {
	var se transaction.StatusError
	if errors.As(err, &se) {
		fmt.Fprintf(sh.out, "%s %s %s\n", errorText("Error:"), dimText("["+se.Status().Code+"]"), err)
		return
	}
	fmt.Fprintf(sh.out, "%s %s\n", errorText("Error:"), err)
}

// withTx runs fn in the explicit transaction, or in an implicit one that is
// committed when fn succeeds.
func (sh *shell) withTx(ctx context.Context, fn func(tx *transaction.KernelTransaction) error) error {
	if sh.tx != nil {
		if err := fn(sh.tx); err != nil {
			return err
		}
		return nil
	}
	tx, err := sh.kt.Begin(ctx, transaction.BeginParams{Type: transaction.TypeImplicit, Security: sh.security})
	if err != nil {
		return err
	}
	defer tx.Close(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	_, err = tx.Commit(ctx)
	return err
}

func (sh *shell) close(ctx context.Context) {
	if sh.tx != nil {
		_ = sh.tx.Close(ctx)
		sh.tx = nil
	}
}

func (sh *shell) begin(ctx context.Context, _ []string) error {
	if sh.tx != nil {
		return fmt.Errorf("transaction %d is already open", sh.tx.SequenceNumber())
	}
	tx, err := sh.kt.Begin(ctx, transaction.BeginParams{Type: transaction.TypeExplicit, Security: sh.security})
	if err != nil {
		return err
	}
	sh.tx = tx
	fmt.Fprintf(sh.out, "%s transaction %d\n", okText("Began"), tx.SequenceNumber())
	return nil
}

func (sh *shell) commit(ctx context.Context, _ []string) error {
	if sh.tx == nil {
		return errors.New("no open transaction")
	}
	tx := sh.tx
	sh.tx = nil
	defer tx.Close(ctx)
	id, err := tx.Commit(ctx)
	if err != nil {
		return err
	}
	if id == transaction.ReadOnlyID {
		fmt.Fprintln(sh.out, okText("Committed"), "(read only)")
		return nil
	}
	fmt.Fprintf(sh.out, "%s as transaction %d\n", okText("Committed"), id)
	return nil
}

func (sh *shell) rollback(ctx context.Context, _ []string) error {
	if sh.tx == nil {
		return errors.New("no open transaction")
	}
	tx := sh.tx
	sh.tx = nil
	if err := tx.Close(ctx); err != nil {
		return err
	}
	fmt.Fprintln(sh.out, okText("Rolled back"))
	return nil
}

func (sh *shell) create(ctx context.Context, args []string) error {
	var id uint64
	err := sh.withTx(ctx, func(tx *transaction.KernelTransaction) error {
		w, err := tx.DataWrite()
		if err != nil {
			return err
		}
		id, err = w.NodeCreate(ctx, args...)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%s node %d\n", okText("Created"), id)
	return nil
}

func (sh *shell) dataWrite(ctx context.Context, fn func(w *transaction.DataWrite) error) error {
	err := sh.withTx(ctx, func(tx *transaction.KernelTransaction) error {
		w, err := tx.DataWrite()
		if err != nil {
			return err
		}
		return fn(w)
	})
	if err == nil {
		fmt.Fprintln(sh.out, okText("OK"))
	}
	return err
}

func (sh *shell) deleteNode(ctx context.Context, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return sh.dataWrite(ctx, func(w *transaction.DataWrite) error { return w.NodeDelete(ctx, id) })
}

func (sh *shell) addLabel(ctx context.Context, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return sh.dataWrite(ctx, func(w *transaction.DataWrite) error { return w.NodeAddLabel(ctx, id, args[1]) })
}

func (sh *shell) removeLabel(ctx context.Context, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return sh.dataWrite(ctx, func(w *transaction.DataWrite) error { return w.NodeRemoveLabel(ctx, id, args[1]) })
}

func (sh *shell) setProperty(ctx context.Context, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	value := parseValue(strings.Join(args[2:], " "))
	return sh.dataWrite(ctx, func(w *transaction.DataWrite) error { return w.NodeSetProperty(ctx, id, args[1], value) })
}

func (sh *shell) removeProperty(ctx context.Context, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return sh.dataWrite(ctx, func(w *transaction.DataWrite) error { return w.NodeRemoveProperty(ctx, id, args[1]) })
}

func (sh *shell) getProperty(ctx context.Context, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return sh.withTx(ctx, func(tx *transaction.KernelTransaction) error {
		r, err := tx.DataRead()
		if err != nil {
			return err
		}
		value, ok, err := r.NodeProperty(id, args[1])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(sh.out, dimText("(no value)"))
			return nil
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		fmt.Fprintln(sh.out, string(raw))
		return nil
	})
}

func (sh *shell) labels(ctx context.Context, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return sh.withTx(ctx, func(tx *transaction.KernelTransaction) error {
		r, err := tx.DataRead()
		if err != nil {
			return err
		}
		labels, err := r.NodeLabels(id)
		if err != nil {
			return err
		}
		fmt.Fprintln(sh.out, strings.Join(labels, ", "))
		return nil
	})
}

func (sh *shell) relate(ctx context.Context, args []string) error {
	start, err := parseID(args[0])
	if err != nil {
		return err
	}
	end, err := parseID(args[2])
	if err != nil {
		return err
	}
	var id uint64
	err = sh.withTx(ctx, func(tx *transaction.KernelTransaction) error {
		w, err := tx.DataWrite()
		if err != nil {
			return err
		}
		id, err = w.RelationshipCreate(ctx, args[1], start, end)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%s relationship %d\n", okText("Created"), id)
	return nil
}

func (sh *shell) unrelate(ctx context.Context, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return sh.dataWrite(ctx, func(w *transaction.DataWrite) error { return w.RelationshipDelete(ctx, id) })
}

func (sh *shell) schemaWrite(ctx context.Context, fn func(w *transaction.SchemaWrite) error) error {
	err := sh.withTx(ctx, func(tx *transaction.KernelTransaction) error {
		w, err := tx.SchemaWrite()
		if err != nil {
			return err
		}
		return fn(w)
	})
	if err == nil {
		fmt.Fprintln(sh.out, okText("OK"))
	}
	return err
}

func (sh *shell) createIndex(ctx context.Context, args []string) error {
	index := txstate.IndexDescriptor{Name: args[0], Label: args[1], PropertyKey: args[2]}
	return sh.schemaWrite(ctx, func(w *transaction.SchemaWrite) error { return w.IndexCreate(ctx, index) })
}

func (sh *shell) createUnique(ctx context.Context, args []string) error {
	index := txstate.IndexDescriptor{Name: args[0], Label: args[1], PropertyKey: args[2], Unique: true}
	return sh.schemaWrite(ctx, func(w *transaction.SchemaWrite) error { return w.UniqueConstraintCreate(ctx, index) })
}

func (sh *shell) dropIndex(ctx context.Context, args []string) error {
	return sh.schemaWrite(ctx, func(w *transaction.SchemaWrite) error { return w.IndexDrop(ctx, args[0]) })
}

func (sh *shell) transactions(_ context.Context, _ []string) error {
	handles := sh.kt.ExecutingTransactions()
	if len(handles) == 0 {
		fmt.Fprintln(sh.out, dimText("(no running transactions)"))
		return nil
	}
	for _, h := range handles {
		info, ok := h.Info()
		if !ok {
			continue
		}
		line := fmt.Sprintf("%d\t%s\t%s\tstarted %s", info.SequenceNumber, info.Type, info.Subject,
			info.StartTime.Format("15:04:05.000"))
		if info.TerminationReason != "" {
			line += "\tterminated: " + info.TerminationReason
		}
		fmt.Fprintln(sh.out, line)
	}
	return nil
}

func (sh *shell) terminate(_ context.Context, args []string) error {
	seq, err := parseID(args[0])
	if err != nil {
		return err
	}
	if !sh.kt.TerminateTransaction(seq, transaction.StatusTerminated) {
		return fmt.Errorf("no running transaction %d", seq)
	}
	fmt.Fprintf(sh.out, "%s transaction %d\n", okText("Terminated"), seq)
	return nil
}

func (sh *shell) status(_ context.Context, _ []string) error {
	stats := sh.kt.PoolStats()
	fmt.Fprintf(sh.out, "read_only=%t executing=%d pool: in_use=%d free=%d max=%d disposed=%d\n",
		sh.kt.ReadOnly(), len(sh.kt.ExecutingTransactions()),
		stats.InUse, stats.Free, stats.Max, stats.Disposed)
	return nil
}

func (sh *shell) help(_ context.Context, _ []string) error {
	fmt.Fprintln(sh.out, "Commands:")
	for _, c := range shellCommands {
		fmt.Fprintf(sh.out, "  %s\n", c.usage)
	}
	return nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// parseValue reads an integer, float, boolean or quoted string. Anything
// else is taken as a bare string.
func parseValue(s string) any {
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if s == "null" {
		return nil
	}
	return s
}

// splitArgs splits on whitespace, keeping double-quoted runs together.
func splitArgs(line string) []string {
	var (
		args    []string
		current strings.Builder
		quoted  bool
		pending bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
			pending = true
		case !quoted && (r == ' ' || r == '\t'):
			if pending {
				args = append(args, current.String())
				current.Reset()
				pending = false
			}
		default:
			current.WriteRune(r)
			pending = true
		}
	}
	if pending {
		args = append(args, current.String())
	}
	return args
}
