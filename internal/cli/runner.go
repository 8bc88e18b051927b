// Package cli implements the altdeck operator CLI: a thin front over the
// daemon's control surface via the typed appclient.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"altdeck/internal/appclient"
	"altdeck/internal/config"
)

type Runner struct {
	client *appclient.Client
	out    io.Writer
	errOut io.Writer
}

func NewRunner(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut}
}

// Run dispatches one CLI invocation and returns the process exit code.
func Run(ctx context.Context, args []string, out, errOut io.Writer) int {
	global := pflag.NewFlagSet("altdeck", pflag.ContinueOnError)
	global.SetOutput(io.Discard)
	global.SetInterspersed(false)
	configPath := global.String("config", config.DefaultConfigPath(), "config file path")
	addr := global.String("addr", "", "daemon address (overrides config)")
	secret := global.String("secret", "", "control-surface shared secret (overrides config)")
	if err := global.Parse(args); err != nil {
		_, _ = fmt.Fprintf(errOut, "error: %v\n", err)
		return 2
	}

	cfg, err := config.Load(*configPath, global.Changed("config"))
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "error: %v\n", err)
		return 2
	}
	if *addr == "" {
		*addr = cfg.ListenAddr
	}
	if *secret == "" {
		*secret = cfg.Secret
	}

	r := NewRunner(appclient.New(*addr, *secret), out, errOut)
	return r.Run(ctx, global.Args())
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		r.printUsage()
		return 2
	}
	switch args[0] {
	case "list":
		return r.runList(ctx)
	case "add":
		return r.runAdd(ctx, args[1:])
	case "remove":
		return r.runRemove(ctx, args[1:])
	case "launch":
		return r.runLaunch(ctx, args[1:])
	case "set-server":
		return r.runSetServer(ctx, args[1:])
	case "alias":
		return r.runSetField(ctx, "alias", r.client.SetAlias, args[1:])
	case "desc":
		return r.runSetField(ctx, "desc", r.client.SetDescription, args[1:])
	case "group":
		return r.runSetField(ctx, "group", r.client.SetGroup, args[1:])
	case "history":
		return r.runHistory(ctx, args[1:])
	case "status":
		return r.runStatus(ctx)
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", args[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) runList(ctx context.Context) int {
	accounts, err := r.client.Accounts(ctx)
	if err != nil {
		return r.fail(err)
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "USERNAME\tALIAS\tGROUP\tDESCRIPTION")
	for _, acct := range accounts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", acct.Username, acct.Alias, acct.Group, acct.Description)
	}
	_ = tw.Flush()
	return 0
}

func (r *Runner) runAdd(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("add", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	password := fs.String("password", "", "account password captured alongside the session token")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err, "usage: altdeck add [--password <pw>] <session-token>")
	}
	if fs.NArg() != 1 {
		return r.usageErr(nil, "usage: altdeck add [--password <pw>] <session-token>")
	}
	key, err := r.client.AddAccount(ctx, fs.Arg(0), *password)
	if err != nil {
		return r.fail(err)
	}
	_, _ = fmt.Fprintln(r.out, key)
	return 0
}

func (r *Runner) runRemove(ctx context.Context, args []string) int {
	if len(args) != 1 {
		return r.usageErr(nil, "usage: altdeck remove <account>")
	}
	if err := r.client.RemoveAccount(ctx, args[0]); err != nil {
		return r.fail(err)
	}
	_, _ = fmt.Fprintf(r.out, "removed %s\n", args[0])
	return 0
}

func (r *Runner) runLaunch(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("launch", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	job := fs.String("job", "", "specific server instance to join")
	follow := fs.Bool("follow", false, "treat the id as a user id and follow them")
	private := fs.Bool("private", false, "treat the server id as a private-server link code")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err, "usage: altdeck launch [--job <id>] [--follow] [--private] <account> [place-id]")
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return r.usageErr(nil, "usage: altdeck launch [--job <id>] [--follow] [--private] <account> [place-id]")
	}
	placeID := ""
	if fs.NArg() == 2 {
		placeID = fs.Arg(1)
	} else {
		// Fall back to the daemon's last-used target.
		status, err := r.client.Status(ctx)
		if err != nil {
			return r.fail(err)
		}
		if status.LastUsedTarget == 0 {
			return r.usageErr(nil, "no place id given and no last-used target recorded")
		}
		placeID = strconv.FormatInt(status.LastUsedTarget, 10)
	}
	msg, err := r.client.Launch(ctx, appclient.LaunchParams{
		Account:     fs.Arg(0),
		PlaceID:     placeID,
		JobID:       *job,
		FollowUser:  *follow,
		JoinPrivate: *private,
	})
	if err != nil {
		return r.fail(err)
	}
	_, _ = fmt.Fprintln(r.out, msg)
	return 0
}

func (r *Runner) runSetServer(ctx context.Context, args []string) int {
	if len(args) != 3 {
		return r.usageErr(nil, "usage: altdeck set-server <account> <place-id> <server-id>")
	}
	placeID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || placeID <= 0 {
		return r.usageErr(nil, "place-id must be a positive number")
	}
	msg, err := r.client.SetServer(ctx, args[0], placeID, args[2])
	if err != nil {
		return r.fail(err)
	}
	_, _ = fmt.Fprintln(r.out, msg)
	return 0
}

func (r *Runner) runSetField(ctx context.Context, name string, set func(context.Context, string, string) error, args []string) int {
	if len(args) != 2 {
		return r.usageErr(nil, fmt.Sprintf("usage: altdeck %s <account> <value>", name))
	}
	if err := set(ctx, args[0], args[1]); err != nil {
		return r.fail(err)
	}
	_, _ = fmt.Fprintln(r.out, "ok")
	return 0
}

func (r *Runner) runHistory(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 20, "maximum entries to show")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err, "usage: altdeck history [--limit <n>] [account]")
	}
	account := ""
	if fs.NArg() > 0 {
		account = fs.Arg(0)
	}
	entries, err := r.client.History(ctx, account, *limit)
	if err != nil {
		return r.fail(err)
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "REQUESTED\tACCOUNT\tTARGET\tMODE\tRESULT\tMESSAGE")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", e.RequestedAt, e.Account, e.TargetID, e.Mode, e.ResultCode, e.Message)
	}
	_ = tw.Flush()
	return 0
}

func (r *Runner) runStatus(ctx context.Context) int {
	status, err := r.client.Status(ctx)
	if err != nil {
		return r.fail(err)
	}
	_, _ = fmt.Fprintf(r.out, "status: %s\naccounts: %d\n", status.Status, status.Accounts)
	if status.LastUsedTarget != 0 {
		_, _ = fmt.Fprintf(r.out, "last used target: %d\n", status.LastUsedTarget)
	}
	return 0
}

func (r *Runner) fail(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) usageErr(err error, usage string) int {
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	}
	_, _ = fmt.Fprintln(r.errOut, usage)
	return 2
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, `usage: altdeck [--addr <host:port>] [--secret <s>] <command>

commands:
  list                          list stored accounts
  add [--password] <token>      store a new session credential
  remove <account>              delete a stored credential
  launch <account> [place-id]   launch a game session
  set-server <account> <place-id> <server-id>
                                queue the next server for an account
  alias|desc|group <account> <value>
                                set operator metadata
  history [--limit] [account]   show launch attempts
  status                        daemon status`)
}
