package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/turnstiledev/turnstile/internal/config"
	"github.com/turnstiledev/turnstile/internal/model"
	"github.com/turnstiledev/turnstile/internal/session"
	"github.com/turnstiledev/turnstile/internal/syncbus"
)

var families = []model.Family{model.FamilyAdmin, model.FamilyStaff, model.FamilyCandidate}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Terminal sessions against a Turnstile server",
		Long: `Sign in from a terminal and keep the session alive while you work.

Session state is stored per role family in a shared state directory. Every
terminal pointed at the same directory sees logins, token refreshes and
logouts made in the others.`,
	}

	cmd.PersistentFlags().String("server", "", "Server URL (default: session.server_url)")

	cmd.AddCommand(newSessionLoginCmd())
	cmd.AddCommand(newSessionWatchCmd())
	cmd.AddCommand(newSessionLogoutCmd())
	cmd.AddCommand(newSessionStatusCmd())

	return cmd
}

// sessionEnv is what every session subcommand needs.
type sessionEnv struct {
	settings *config.Settings
	client   *session.Client
	bus      *syncbus.Bus
	logger   *slog.Logger
}

func newSessionEnv(cmd *cobra.Command) (*sessionEnv, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	serverURL, _ := cmd.Flags().GetString("server")
	if serverURL == "" {
		serverURL = settings.ServerURL
	}
	logger := slog.Default()
	ch, err := syncbus.NewFileChannel(resolveStateDir(settings), logger)
	if err != nil {
		return nil, err
	}
	return &sessionEnv{
		settings: settings,
		client:   session.NewClient(serverURL, nil),
		bus:      syncbus.New(ch, syncbus.WithLogger(logger)),
		logger:   logger,
	}, nil
}

// stored returns the persisted sessions, restricted to family when set.
func (e *sessionEnv) stored(ctx context.Context, family string) (map[model.Family]*syncbus.SessionState, error) {
	out := make(map[model.Family]*syncbus.SessionState)
	for _, f := range families {
		if family != "" && string(f) != family {
			continue
		}
		st, err := e.bus.State(ctx, f)
		if err != nil {
			return nil, err
		}
		if st != nil {
			out[f] = st
		}
	}
	return out, nil
}

// ---------- session login ----------

func newSessionLoginCmd() *cobra.Command {
	var (
		email    string
		password string
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newSessionEnv(cmd)
			if err != nil {
				return err
			}
			if password == "" {
				if password, err = readPassword(cmd.InOrStdin(), cmd.OutOrStdout(), "Password: ", false); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			resp, err := env.client.Login(ctx, email, password)
			if err != nil {
				return describeLoginError(err)
			}

			st := syncbus.SessionState{Token: resp.Token, Principal: resp.Principal, UpdatedAt: time.Now().UTC()}
			if err := env.bus.Publish(ctx, syncbus.Event{Type: syncbus.EventLogin, State: &st}); err != nil {
				return fmt.Errorf("store session: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s, %s family), token expires %s\n",
				resp.Principal.Email, resp.Principal.Role, resp.Principal.Family, resp.ExpiresAt.Local().Format(time.Kitchen))

			if !watch {
				return nil
			}
			return runSessionWatch(cmd, env, string(resp.Principal.Family))
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep the session alive in this terminal after signing in")
	cmd.MarkFlagRequired("email")

	return cmd
}

func describeLoginError(err error) error {
	var apiErr *session.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("login failed: %w", err)
	}
	switch apiErr.Reason {
	case model.ReasonAccountLocked:
		if at, ok := apiErr.UnlockAt(); ok {
			return fmt.Errorf("account locked until %s", at.Local().Format(time.RFC1123))
		}
		return errors.New("account locked")
	case model.ReasonInvalidCredentials:
		return errors.New("invalid credentials")
	}
	return fmt.Errorf("login failed: %w", err)
}

// ---------- session watch ----------

func newSessionWatchCmd() *cobra.Command {
	var family string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a stored session alive in this terminal",
		Long: `Run the session in the foreground. Press Enter to record activity; type
'logout' to sign out everywhere. The session ends after session.idle_timeout
without activity, or as soon as another terminal logs out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newSessionEnv(cmd)
			if err != nil {
				return err
			}
			return runSessionWatch(cmd, env, family)
		},
	}

	cmd.Flags().StringVar(&family, "family", "", "Role family to watch: admin, staff or candidate (default: the first stored)")

	return cmd
}

// tokenBox holds the latest token seen by the watch loop's hooks.
type tokenBox struct {
	mu    sync.Mutex
	token string
}

func (b *tokenBox) set(t string) {
	b.mu.Lock()
	b.token = t
	b.mu.Unlock()
}

func (b *tokenBox) get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func runSessionWatch(cmd *cobra.Command, env *sessionEnv, family string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The bus starts watching before the stored session is read so changes
	// made by other terminals in between are not lost.
	if err := env.bus.Start(ctx); err != nil {
		return err
	}
	defer env.bus.Close()

	sessions, err := env.stored(ctx, family)
	if err != nil {
		return err
	}
	var st *syncbus.SessionState
	for _, f := range families {
		if sessions[f] != nil {
			st = sessions[f]
			break
		}
	}
	if st == nil {
		return errors.New("no stored session; run 'turnstile session login' first")
	}

	// Hooks print from the manager's goroutines.
	out := &lockedWriter{w: cmd.OutOrStdout()}
	latest := &tokenBox{token: st.Token}
	prompter := &linePrompter{out: out}
	done := make(chan session.LogoutReason, 1)

	mgr, err := session.New(session.Config{
		IdleTimeout:       env.settings.IdleTimeout,
		WarningLead:       env.settings.WarningLead,
		KeepAliveTimeout:  env.settings.KeepAliveTimeout,
		KeepAliveInterval: env.settings.KeepAliveInterval,
	},
		session.WithLogger(env.logger),
		session.WithKeepAliver(env.client),
		session.WithBus(env.bus),
		session.WithPrompter(prompter),
		session.WithHooks(session.Hooks{
			OnActive: func() {
				fmt.Fprintln(out, "Session extended.")
			},
			OnDegraded: func(err error) {
				fmt.Fprintf(out, "Keep-alive unavailable (%v); the session continues locally.\n", err)
			},
			OnTokenChange: latest.set,
			OnLogout: func(reason session.LogoutReason) {
				select {
				case done <- reason:
				default:
				}
			},
		}),
	)
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx, *st); err != nil {
		return err
	}
	defer mgr.Stop()

	fmt.Fprintf(out, "Watching %s session for %s. Press Enter to stay active, type 'logout' to sign out.\n",
		st.Principal.Family, st.Principal.Email)

	linesCtx, stopLines := context.WithCancel(ctx)
	defer stopLines()
	lines := readLines(linesCtx, cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Detached; the session stays stored.")
			return nil

		case reason := <-done:
			fmt.Fprintf(out, "Signed out (%s).\n", reason)
			if reason == session.LogoutIdle || reason == session.LogoutUser {
				logoutCtx, cancel := context.WithTimeout(context.Background(), env.settings.KeepAliveTimeout)
				if err := env.client.Logout(logoutCtx, latest.get()); err != nil {
					env.logger.Warn("server logout failed", "error", err)
				}
				cancel()
			}
			return nil

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			switch line = strings.TrimSpace(line); line {
			case "logout", "exit", "quit":
				mgr.Logout()
			case "status":
				fmt.Fprintf(out, "state=%s last_activity=%s degraded=%v\n",
					mgr.State(), mgr.LastActivity().Local().Format(time.TimeOnly), mgr.Degraded())
			default:
				if !prompter.answer(line) {
					mgr.Touch()
				}
			}
		}
	}
}

// linePrompter asks on the terminal whether to stay signed in. The watch
// loop hands it the next input line while a question is open.
type linePrompter struct {
	out   io.Writer
	mu    sync.Mutex
	reply chan bool
}

func (p *linePrompter) Confirm(ctx context.Context, remaining time.Duration) bool {
	reply := make(chan bool, 1)
	p.mu.Lock()
	p.reply = reply
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.reply == reply {
			p.reply = nil
		}
		p.mu.Unlock()
	}()

	fmt.Fprintf(p.out, "Session idle. Stay signed in? [Y/n] (signing out in %s)\n", remaining.Round(time.Second))
	select {
	case ok := <-reply:
		return ok
	case <-ctx.Done():
		return false
	}
}

// answer passes line to an open question and reports whether there was one.
func (p *linePrompter) answer(line string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reply == nil {
		return false
	}
	p.reply <- !strings.EqualFold(line, "n") && !strings.EqualFold(line, "no")
	p.reply = nil
	return true
}

// readLines delivers lines from r until EOF or ctx is done, then closes
// the channel.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// ---------- session logout ----------

func newSessionLogoutCmd() *cobra.Command {
	var family string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out stored sessions in every terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newSessionEnv(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			sessions, err := env.stored(ctx, family)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stored sessions.")
				return nil
			}
			for _, f := range families {
				st := sessions[f]
				if st == nil {
					continue
				}
				if err := env.client.Logout(ctx, st.Token); err != nil {
					env.logger.Warn("server logout failed", "family", f, "error", err)
				}
				if err := env.bus.Publish(ctx, syncbus.Event{
					Type:        syncbus.EventLogout,
					PrincipalID: st.Principal.ID,
					Family:      f,
				}); err != nil {
					return fmt.Errorf("clear %s session: %w", f, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Signed out %s (%s)\n", st.Principal.Email, f)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&family, "family", "", "Only sign out this role family")

	return cmd
}

// ---------- session status ----------

func newSessionStatusCmd() *cobra.Command {
	var (
		check      bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newSessionEnv(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			sessions, err := env.stored(ctx, "")
			if err != nil {
				return err
			}

			type statusRow struct {
				Family    model.Family `json:"family"`
				Email     string       `json:"email"`
				Role      model.Role   `json:"role"`
				UpdatedAt time.Time    `json:"updated_at"`
				Valid     string       `json:"valid,omitempty"`
			}
			var rows []statusRow
			for _, f := range families {
				st := sessions[f]
				if st == nil {
					continue
				}
				row := statusRow{Family: f, Email: st.Principal.Email, Role: st.Principal.Role, UpdatedAt: st.UpdatedAt}
				if check {
					row.Valid = checkSession(ctx, env.client, st.Token)
				}
				rows = append(rows, row)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, "No stored sessions.")
				return nil
			}
			fmt.Fprintf(out, "%-10s %-30s %-12s %-20s %s\n", "FAMILY", "EMAIL", "ROLE", "UPDATED", "VALID")
			for _, r := range rows {
				fmt.Fprintf(out, "%-10s %-30s %-12s %-20s %s\n",
					r.Family, r.Email, r.Role, r.UpdatedAt.Local().Format(time.DateTime), r.Valid)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Validate each stored token against the server")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// checkSession asks the server about token and returns yes, no or unknown.
func checkSession(ctx context.Context, client *session.Client, token string) string {
	resp, err := client.Validate(ctx, token)
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return "no"
	case err != nil:
		return "unknown"
	case resp.Valid:
		return "yes"
	default:
		return "no"
	}
}
