package chatclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"securechat/internal/authtoken"
	"securechat/internal/config"
	"securechat/internal/keystore"
	"securechat/internal/observability/logging"
	"securechat/internal/session"
	"securechat/internal/signaling"

	"github.com/spf13/cobra"
)

type cli struct {
	cfg     config.Client
	log     *slog.Logger
	timeout time.Duration

	userFlag     int64
	relayFlag    string
	tokenFlag    string
	keystoreFlag string
}

// NewRootCommand builds the chatctl command tree. Command output goes to the
// command's out writer; logs go to stderr.
func NewRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "End-to-end encrypted pairwise chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.cfg = config.LoadClient()
			if c.userFlag != 0 {
				c.cfg.UserID = c.userFlag
			}
			if c.relayFlag != "" {
				c.cfg.RelayURL = c.relayFlag
			}
			if c.tokenFlag != "" {
				c.cfg.Token = c.tokenFlag
			}
			if c.keystoreFlag != "" {
				c.cfg.KeystoreDSN = c.keystoreFlag
			}
			c.log = logging.NewLogger(logging.Config{
				ServiceName: "chatctl",
				Environment: c.cfg.Environment,
				Level:       c.cfg.Level,
				Output:      cmd.ErrOrStderr(),
			})
			slog.SetDefault(c.log)
			return nil
		},
	}
	root.PersistentFlags().Int64Var(&c.userFlag, "user", 0, "local user id (default $CHAT_USER_ID)")
	root.PersistentFlags().StringVar(&c.relayFlag, "relay", "", "relay websocket URL (default $CHAT_RELAY_URL)")
	root.PersistentFlags().StringVar(&c.tokenFlag, "token", "", "relay bearer token (default $CHAT_TOKEN)")
	root.PersistentFlags().StringVar(&c.keystoreFlag, "keystore", "", "key store DSN (default $CHAT_KEYSTORE_DSN)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "how long to wait for the relay")

	root.AddCommand(
		c.tokenCmd(),
		c.startCmd(),
		c.resendCmd(),
		c.statusCmd(),
		c.sendCmd(),
		c.historyCmd(),
		c.listenCmd(),
	)
	return root
}

// Execute runs chatctl with os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (c *cli) openStore(ctx context.Context) (*keystore.Store, error) {
	return keystore.Open(ctx, c.cfg.KeystoreDSN, keystore.Options{
		Passphrase: c.cfg.KeystorePassphrase,
		Logger:     c.log,
	})
}

// connect opens the key store, dials the relay and starts reading. The
// returned func tears everything down.
func (c *cli) connect(ctx context.Context) (*Client, func(), error) {
	if c.cfg.UserID <= 0 {
		return nil, nil, errors.New("user id required (--user or CHAT_USER_ID)")
	}
	if c.cfg.Token == "" {
		return nil, nil, errors.New("relay token required (--token or CHAT_TOKEN)")
	}
	st, err := c.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, c.timeout)
	defer cancelDial()
	client, err := Connect(dialCtx, st, DialConfig{
		Self:     c.cfg.UserID,
		RelayURL: c.cfg.RelayURL,
		Token:    c.cfg.Token,
		Logger:   c.log,
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- client.Run(runCtx) }()
	return client, func() {
		cancel()
		_ = client.Close()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("relay connection ended with error", "error", err)
		}
		_ = st.Close()
	}, nil
}

func parsePeer(arg string) (int64, error) {
	peer, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || peer <= 0 {
		return 0, fmt.Errorf("peer must be a positive user id, got %q", arg)
	}
	return peer, nil
}

func (c *cli) tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development relay token for --user with RELAY_TOKEN_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			iss, err := authtoken.New(c.cfg.TokenSecret, c.cfg.TokenIssuer)
			if err != nil {
				return fmt.Errorf("RELAY_TOKEN_SECRET must be set: %w", err)
			}
			if c.cfg.UserID <= 0 {
				return errors.New("user id required (--user or CHAT_USER_ID)")
			}
			if ttl <= 0 {
				ttl = c.cfg.TokenTTL
			}
			tok, err := iss.Sign(c.cfg.UserID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default $RELAY_TOKEN_TTL)")
	return cmd
}

func (c *cli) startCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "start <peer>",
		Short: "Start a key exchange with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(args[0])
			if err != nil {
				return err
			}
			client, closeFn, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			chatID, err := client.StartChat(cmd.Context(), peer)
			if err != nil {
				return err
			}
			if wait {
				ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
				defer cancel()
				if err := client.WaitEstablished(ctx, chatID, 0); err != nil {
					return err
				}
			}
			state, err := client.Coordinator().State(cmd.Context(), chatID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", chatID, state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "wait until the peer answers")
	return cmd
}

func (c *cli) resendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resend <peer>",
		Short: "Re-send a pending key exchange request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(args[0])
			if err != nil {
				return err
			}
			client, closeFn, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			chatID, err := client.Resend(cmd.Context(), peer)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s resent\n", chatID)
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List key store records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			entries, err := st.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no chats")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s\t%s\t%s\n", e.ChatID, e.Kind, e.UpdatedAt.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func (c *cli) sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <text>",
		Short: "Encrypt and send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(args[0])
			if err != nil {
				return err
			}
			client, closeFn, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			chatID, err := client.ChatWith(peer)
			if err != nil {
				return err
			}
			sess, err := client.OpenSession(cmd.Context(), chatID)
			if errors.Is(err, session.ErrKeyNotReady) {
				return fmt.Errorf("no shared secret with %d yet, run start first: %w", peer, err)
			}
			if err != nil {
				return err
			}
			if _, err := sess.Send(cmd.Context(), strings.Join(args[1:], " ")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", chatID)
			return nil
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <peer>",
		Short: "Fetch and decrypt a chat's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(args[0])
			if err != nil {
				return err
			}
			client, closeFn, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			chatID, err := client.ChatWith(peer)
			if err != nil {
				return err
			}
			sess, err := client.OpenSession(cmd.Context(), chatID)
			if err != nil {
				return err
			}

			type result struct {
				msgs    []session.PlaintextMessage
				dropped int
			}
			got := make(chan result, 1)
			scope := sess.Attach(client.Bus(), session.Handlers{
				History: func(msgs []session.PlaintextMessage, dropped int) {
					select {
					case got <- result{msgs, dropped}:
					default:
					}
				},
			})
			defer scope.Close()

			if err := sess.RequestHistory(cmd.Context()); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
			defer cancel()
			select {
			case r := <-got:
				printHistory(cmd.OutOrStdout(), c.cfg.UserID, r.msgs, r.dropped)
				return nil
			case <-ctx.Done():
				return fmt.Errorf("waiting for history of %s: %w", chatID, ctx.Err())
			}
		},
	}
}

func printHistory(out io.Writer, self int64, msgs []session.PlaintextMessage, dropped int) {
	for _, m := range msgs {
		printMessage(out, self, m)
	}
	if dropped > 0 {
		fmt.Fprintf(out, "%d message(s) could not be decrypted\n", dropped)
	}
}

func printMessage(out io.Writer, self int64, m session.PlaintextMessage) {
	who := strconv.FormatInt(m.Sender, 10)
	if m.Sender == self {
		who = "me"
	}
	fmt.Fprintf(out, "[%s] %s %s: %s\n", m.Timestamp.UTC().Format(time.RFC3339), m.ChatID, who, m.Content)
}

func (c *cli) listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Answer key exchanges and print incoming messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeFn, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			out := cmd.OutOrStdout()
			inbox := client.AttachInbox(func(m session.PlaintextMessage) {
				printMessage(out, client.Self(), m)
			})
			defer inbox.Close()
			errs := client.Bus().Subscribe(signaling.EventError, func(ctx context.Context, env signaling.Envelope) {
				var e signaling.ErrorPayload
				if err := env.Decode(&e); err == nil {
					c.log.Warn("relay reported error", "code", e.Code, "message", e.Message, "ref", e.Ref)
				}
			})
			defer errs.Close()

			c.log.Info("listening", "user_id", client.Self())
			<-cmd.Context().Done()
			return nil
		},
	}
}

// Main is the chatctl entry point; it returns the process exit code.
func Main(ctx context.Context) int {
	if err := Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "chatctl:", err)
		return 1
	}
	return 0
}
