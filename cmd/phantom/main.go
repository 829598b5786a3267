// Command phantom talks to a running phantomd.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phantomid/internal/identity"
	"phantomid/internal/network"
	"phantomid/internal/proto"
)

const defaultAddr = "127.0.0.1:8888"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		var remote *remoteError
		if errors.As(err, &remote) {
			fmt.Fprintf(stderr, "%s: %s\n", remote.Code, remote.Message)
		} else {
			fmt.Fprintf(stderr, "phantom: %s\n", err)
		}
		return 1
	}
	return 0
}

// remoteError is a failure reported by the daemon rather than the transport.
type remoteError struct {
	Code    string
	Message string
}

func (e *remoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

type session struct {
	v *viper.Viper
}

func (s *session) call(ctx context.Context, req proto.Request) (proto.Response, error) {
	client, err := network.NewClient(network.ClientOptions{
		Insecure: s.v.GetBool("insecure"),
		CAPath:   s.v.GetString("ca"),
	})
	if err != nil {
		return proto.Response{}, err
	}
	defer client.Close()
	if req.RequestID == "" {
		req.RequestID = xid.New().String()
	}
	body, err := proto.EncodeRequest(req)
	if err != nil {
		return proto.Response{}, err
	}
	if timeout := s.v.GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	raw, err := client.Exchange(ctx, s.v.GetString("addr"), body)
	if err != nil {
		return proto.Response{}, fmt.Errorf("%s: %w", req.Op, err)
	}
	resp, err := proto.DecodeResponse(raw)
	if err != nil {
		return proto.Response{}, fmt.Errorf("decode reply: %w", err)
	}
	if !resp.OK {
		return resp, &remoteError{Code: resp.Code, Message: resp.Error}
	}
	return resp, nil
}

// emit prints resp as JSON when --json is set and reports whether it did.
func (s *session) emit(w io.Writer, resp proto.Response) bool {
	if !s.v.GetBool("json") {
		return false
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(resp)
	return true
}

func newRootCommand() *cobra.Command {
	s := &session{v: viper.New()}
	cmd := &cobra.Command{
		Use:           "phantom",
		Short:         "phantom creates, deletes and messages anonymous accounts on a phantomd",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  phantom create
  phantom create 3f1c...e9 --addr 10.0.0.5:8888
  phantom msg <from> <to> hello there
  PHANTOM_ADDR=127.0.0.1:9999 phantom list dfs
`,
	}
	pf := cmd.PersistentFlags()
	pf.String("addr", defaultAddr, "daemon address (host:port)")
	pf.Bool("insecure", false, "skip daemon certificate verification")
	pf.String("ca", "", "PEM bundle to verify the daemon (default: built-in development certificate)")
	pf.Duration("timeout", 10*time.Second, "per-request timeout")
	pf.Bool("json", false, "print raw JSON replies")
	for _, name := range []string{"addr", "insecure", "ca", "timeout", "json"} {
		_ = s.v.BindPFlag(name, pf.Lookup(name))
	}
	s.v.SetEnvPrefix("PHANTOM")
	s.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	s.v.AutomaticEnv()

	cmd.AddCommand(
		newCreateCommand(s),
		newDeleteCommand(s),
		newSendCommand(s),
		newFetchCommand(s),
		newRenewCommand(s),
		newListCommand(s),
		newStatusCommand(s),
	)
	return cmd
}

func newCreateCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "create [parent-id]",
		Short: "Create a root account, or a child of parent-id",
		Args:  cobra.MatchAll(cobra.MaximumNArgs(1), accountArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := proto.Request{Op: proto.OpCreate}
			if len(args) == 1 {
				req.ParentID = args[0]
			}
			resp, err := s.call(cmd.Context(), req)
			if err != nil {
				return err
			}
			if s.emit(cmd.OutOrStdout(), resp) {
				return nil
			}
			printAccount(cmd.OutOrStdout(), "created", *resp.Account)
			return nil
		},
	}
}

func newDeleteCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an account and every descendant",
		Args:  cobra.MatchAll(cobra.ExactArgs(1), accountArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := s.call(cmd.Context(), proto.Request{Op: proto.OpDelete, ID: args[0]})
			if err != nil {
				return err
			}
			if s.emit(cmd.OutOrStdout(), resp) {
				return nil
			}
			if resp.Existed != nil && *resp.Existed {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "no such account %s\n", args[0])
			}
			return nil
		},
	}
}

func newSendCommand(s *session) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:     "send <from> <to> [text...]",
		Aliases: []string{"msg"},
		Short:   "Send a message from one account to another",
		Args:    cobra.MatchAll(cobra.MinimumNArgs(2), accountArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			switch {
			case file != "":
				if len(args) > 2 {
					return errors.New("give either text or --file, not both")
				}
				data, err := readPayload(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				payload = data
			case len(args) > 2:
				payload = []byte(strings.Join(args[2:], " "))
			default:
				return errors.New("missing message text")
			}
			resp, err := s.call(cmd.Context(), proto.Request{Op: proto.OpSend, From: args[0], To: args[1], Payload: payload})
			if err != nil {
				return err
			}
			if s.emit(cmd.OutOrStdout(), resp) {
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%s)\n", resp.MessageID, humanize.IBytes(uint64(len(payload))))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the payload from a file (- for stdin)")
	return cmd
}

// accountArgs rejects arguments that cannot be account ids before anything
// is sent.
func accountArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		for i := 0; i < n && i < len(args); i++ {
			if !identity.ValidID(args[i]) {
				return fmt.Errorf("malformed account id %q", args[i])
			}
		}
		return nil
	}
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func newFetchCommand(s *session) *cobra.Command {
	var max int
	cmd := &cobra.Command{
		Use:   "fetch <id>",
		Short: "Drain queued messages for an account",
		Args:  cobra.MatchAll(cobra.ExactArgs(1), accountArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := s.call(cmd.Context(), proto.Request{Op: proto.OpFetch, ID: args[0], Max: max})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if s.emit(out, resp) {
				return nil
			}
			if len(resp.Messages) == 0 {
				fmt.Fprintln(out, "no messages")
				return nil
			}
			for _, m := range resp.Messages {
				fmt.Fprintf(out, "%s from=%s sent %s\n", m.ID, m.From, humanize.Time(m.SentAt))
				fmt.Fprintf(out, "  %s\n", printable(m.Payload))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&max, "max", "n", 0, "most messages to fetch (0 = all)")
	return cmd
}

func printable(p []byte) string {
	if utf8.Valid(p) {
		return string(p)
	}
	return strconv.Quote(string(p))
}

func newRenewCommand(s *session) *cobra.Command {
	var extension time.Duration
	cmd := &cobra.Command{
		Use:   "renew <id>",
		Short: "Push an account's expiry further out",
		Args:  cobra.MatchAll(cobra.ExactArgs(1), accountArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := proto.Request{Op: proto.OpRenew, ID: args[0]}
			if extension > 0 {
				req.Extension = extension.String()
			}
			resp, err := s.call(cmd.Context(), req)
			if err != nil {
				return err
			}
			if s.emit(cmd.OutOrStdout(), resp) {
				return nil
			}
			printAccount(cmd.OutOrStdout(), "renewed", *resp.Account)
			return nil
		},
	}
	cmd.Flags().DurationVarP(&extension, "extension", "e", 0, "how much to add (default: one full lifetime)")
	return cmd
}

func newListCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:       "list [bfs|dfs]",
		Short:     "Print the account forest",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bfs", "dfs"},
		RunE: func(cmd *cobra.Command, args []string) error {
			order := "dfs"
			if len(args) == 1 {
				order = args[0]
			}
			resp, err := s.call(cmd.Context(), proto.Request{Op: proto.OpList, Order: order})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if s.emit(out, resp) {
				return nil
			}
			if len(resp.Accounts) == 0 {
				fmt.Fprintln(out, "no accounts")
				return nil
			}
			for _, a := range resp.Accounts {
				indent := ""
				if order == "dfs" {
					indent = strings.Repeat("  ", a.Depth)
				}
				fmt.Fprintf(out, "%s%s children=%d expires %s\n", indent, a.ID, a.Children, humanize.Time(a.ExpiresAt))
			}
			return nil
		},
	}
}

func newStatusCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the daemon's tree and sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := s.call(cmd.Context(), proto.Request{Op: proto.OpStatus})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if s.emit(out, resp) {
				return nil
			}
			st := resp.Status
			if st == nil {
				return errors.New("daemon sent no status")
			}
			fmt.Fprintf(out, "listen: %s (%s, up since %s)\n", st.Listen, st.Version, humanize.Time(st.StartedAt))
			if st.Version != proto.Version {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: daemon speaks %s, this client %s\n", st.Version, proto.Version)
			}
			fmt.Fprintf(out, "accounts: %s in %d trees, depth %d\n", humanize.Comma(int64(st.Accounts)), st.Roots, st.Depth)
			fmt.Fprintf(out, "root present: %v\n", st.HasRoot)
			fmt.Fprintf(out, "queued messages: %s\n", humanize.Comma(int64(st.Queued)))
			lastSweep := "never"
			if !st.LastSweep.IsZero() {
				lastSweep = humanize.Time(st.LastSweep)
			}
			fmt.Fprintf(out, "sweeps: %d every %s, last %s, evicted %s\n", st.Sweeps, st.SweepInterval, lastSweep, humanize.Comma(int64(st.Evicted)))
			fmt.Fprintf(out, "account lifetime: %s\n", st.TTL)
			return nil
		},
	}
}

func printAccount(w io.Writer, verb string, a proto.Account) {
	parent := "root"
	if !a.Root {
		parent = "child of " + a.ParentID
	}
	fmt.Fprintf(w, "%s %s\n  %s, expires %s (%s)\n", verb, a.ID, parent, humanize.Time(a.ExpiresAt), a.ExpiresAt.Format(time.RFC3339))
}
