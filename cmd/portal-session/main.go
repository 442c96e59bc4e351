package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/portal-session/internal/config"
	apperrors "github.com/alexjbarnes/portal-session/internal/errors"
	"github.com/alexjbarnes/portal-session/internal/guard"
	"github.com/alexjbarnes/portal-session/internal/logging"
	"github.com/alexjbarnes/portal-session/internal/login"
	"github.com/alexjbarnes/portal-session/internal/mcpserver"
	"github.com/alexjbarnes/portal-session/internal/metrics"
	"github.com/alexjbarnes/portal-session/internal/portal"
	"github.com/alexjbarnes/portal-session/internal/routes"
	"github.com/alexjbarnes/portal-session/internal/server"
	"github.com/alexjbarnes/portal-session/internal/session"
	"github.com/alexjbarnes/portal-session/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var Version = "dev"

const usage = `usage: portal-session <command> [args]

commands:
  login           sign in with email, password and the emailed code
  status          show the stored session
  check <target>  run the access guard for a role (COMPANY, APPLICANT, ADMIN)
                  or a route path (/cdashboard); exits 1 when denied
  token           print the stored token if the session is valid
  logout          remove the stored session
  routes          print the route table as YAML
  serve           run the web front, /metrics and the MCP endpoint;
                  LISTEN_ADDR must be a loopback address
  mcp             run the MCP server on stdio
`

// errDenied makes check exit non-zero without printing an error.
var errDenied = errors.New("access denied")

// Swapped in tests, which have no terminal.
var (
	isTerminal   = term.IsTerminal
	readPassword = term.ReadPassword
)

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help" {
		fmt.Fprint(os.Stderr, usage)

		if len(os.Args) < 2 {
			os.Exit(2)
		}

		return
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		if !errors.Is(err, errDenied) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}

		os.Exit(1)
	}
}

// app holds the wired components shared by every command.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	store      *session.TokenStore
	guard      *guard.Guard
	routes     *routes.Table
	client     *portal.Client
	controller *login.Controller
	closers    []func() error
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	var backend session.Backend = session.NewMemoryBackend()

	if cfg.Store == config.StoreBolt {
		st, err := state.Open(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("opening state: %w", err)
		}

		a.closers = append(a.closers, st.Close)
		backend = st
	}

	decoder := session.NewDecoder(cfg.VerifySecret)
	if !decoder.Verifies() {
		msg := "token signatures are not verified; set SESSION_VERIFY_SECRET to enable"
		if cfg.IsProduction() {
			logger.Warn(msg)
		} else {
			logger.Debug(msg)
		}
	}

	a.store = session.NewTokenStore(backend, decoder, logger)
	a.guard = guard.New(a.store, guard.WithLogger(logger), guard.WithMetrics(a.metrics))

	a.routes, err = routes.Load(cfg.RoutesFile)
	if err != nil {
		a.close()
		return nil, err
	}

	a.client = portal.NewClient(cfg.APIURL, nil, cfg.RequestTimeout)
	a.controller = login.NewController(login.Config{
		Transport:      a.client,
		Tokens:         a.store,
		Logger:         logger,
		Metrics:        a.metrics,
		RequestTimeout: cfg.RequestTimeout,
	})
	a.closers = append(a.closers, func() error {
		a.controller.Close()
		return nil
	})

	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("closing", slog.String("error", err.Error()))
		}
	}
}

var commands = map[string]bool{
	"login": true, "status": true, "check": true, "token": true,
	"logout": true, "routes": true, "serve": true, "mcp": true,
}

func run(cmd string, args []string) error {
	if !commands[cmd] {
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "login":
		return a.runLogin(ctx, os.Stdin, os.Stdout)
	case "status":
		return a.runStatus(os.Stdout)
	case "check":
		if len(args) != 1 {
			return fmt.Errorf("check needs one role or route path")
		}

		return a.runCheck(os.Stdout, args[0])
	case "token":
		return a.runToken(os.Stdout)
	case "logout":
		return a.runLogout(os.Stdout)
	case "routes":
		return a.runRoutes(os.Stdout)
	case "serve":
		return a.runServe(ctx)
	default:
		return a.runMCPStdio(ctx)
	}
}

// runLogin drives the two-phase login on the terminal. Credentials come
// from PORTAL_EMAIL and PORTAL_PASSWORD when both are set.
func (a *app) runLogin(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)

	prompt := func(label string) (string, error) {
		fmt.Fprint(out, label)

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}

			return "", io.EOF
		}

		return scanner.Text(), nil
	}

	// secret reads without echo when in is a terminal.
	secret := func(label string) (string, error) {
		f, ok := in.(*os.File)
		if !ok || !isTerminal(int(f.Fd())) {
			return prompt(label)
		}

		fmt.Fprint(out, label)
		b, err := readPassword(int(f.Fd()))
		fmt.Fprintln(out)

		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return string(b), nil
	}

	email, password := a.cfg.Email, a.cfg.Password

	for {
		if !a.cfg.HasCredentials() {
			var err error
			if email, err = prompt("Email: "); err != nil {
				return err
			}

			if password, err = secret("Password: "); err != nil {
				return err
			}
		}

		err := a.controller.SubmitCredentials(ctx, email, password)
		if err == nil {
			break
		}

		fmt.Fprintln(out, login.UserMessage(err))

		if a.cfg.HasCredentials() || ctx.Err() != nil {
			return err
		}
	}

	fmt.Fprintln(out, login.MsgOTPSent)

	for {
		code, err := prompt("Code (or \"resend\"): ")
		if err != nil {
			a.controller.Cancel()
			return err
		}

		if strings.EqualFold(strings.TrimSpace(code), "resend") {
			if err := a.controller.ResendOTP(ctx); err != nil {
				if errors.Is(err, apperrors.ErrResendNotReady) {
					fmt.Fprintf(out, "You can resend in %ds.\n", a.controller.ResendRemaining())
					continue
				}

				fmt.Fprintln(out, login.UserMessage(err))

				continue
			}

			fmt.Fprintln(out, login.MsgOTPResent)

			continue
		}

		role, err := a.controller.SubmitOTP(ctx, code)
		if err != nil {
			fmt.Fprintln(out, login.UserMessage(err))

			if ctx.Err() != nil {
				return err
			}

			continue
		}

		fmt.Fprintln(out, login.MsgLoginSuccess)
		fmt.Fprintf(out, "Role: %s\nDashboard: %s\n", role, session.DashboardFor(role))

		return nil
	}
}

func (a *app) runStatus(out io.Writer) error {
	if _, ok := a.store.Get(); !ok {
		fmt.Fprintln(out, "Not signed in.")
		return nil
	}

	claims, err := a.store.Decode()
	if err != nil {
		fmt.Fprintf(out, "Stored token is unreadable: %v\n", err)
		return nil
	}

	fmt.Fprintf(out, "Subject:   %s\nRole:      %s\nExpires:   %s\nDashboard: %s\n",
		claims.Subject,
		claims.Role,
		claims.ExpiresAt.Local().Format(time.RFC1123),
		session.DashboardFor(claims.Role),
	)

	if claims.ExpiredAt(time.Now()) {
		fmt.Fprintln(out, "Session has expired.")
	}

	return nil
}

func (a *app) runCheck(out io.Writer, target string) error {
	required := session.ParseRole(target)

	if strings.HasPrefix(target, "/") {
		rt, ok := a.routes.Lookup(target)
		if !ok {
			return fmt.Errorf("unknown route %q", target)
		}

		if rt.Public {
			fmt.Fprintln(out, "allowed (public)")
			return nil
		}

		required = rt.Role
	}

	d := a.guard.Evaluate(required)
	if !d.Allowed {
		fmt.Fprintf(out, "denied (%s: %v), redirect to %s\n", d.Reason, d.Err, d.RedirectTo)
		return errDenied
	}

	fmt.Fprintf(out, "allowed: %s as %s\n", d.Claims.Subject, d.Claims.Role)

	return nil
}

func (a *app) runToken(out io.Writer) error {
	d := a.guard.Evaluate(session.NoRole)
	if !d.Allowed {
		return fmt.Errorf("no valid session: %w", d.Err)
	}

	fmt.Fprintln(out, a.store.Token())

	return nil
}

func (a *app) runLogout(out io.Writer) error {
	if err := a.store.Clear(); err != nil {
		return err
	}

	fmt.Fprintln(out, "Signed out.")

	return nil
}

func (a *app) runRoutes(out io.Writer) error {
	data, err := a.routes.Marshal()
	if err != nil {
		return err
	}

	_, err = out.Write(data)

	return err
}

func (a *app) newMCPServer() *mcp.Server {
	s := mcp.NewServer(
		&mcp.Implementation{Name: "portal-session", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(s, mcpserver.Deps{
		Store:      a.store,
		Guard:      a.guard,
		Routes:     a.routes,
		Controller: a.controller,
	})

	return s
}

// runMCPStdio serves the MCP tools over stdin/stdout.
func (a *app) runMCPStdio(ctx context.Context) error {
	a.logger.Info("starting MCP server on stdio", slog.String("version", Version))

	if err := a.newMCPServer().Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// runServe starts the web front with the MCP endpoint mounted at /mcp.
// The MCP tools act on the stored session without authentication, so
// the listener must stay on loopback.
func (a *app) runServe(ctx context.Context) error {
	if !a.cfg.IsLoopback() {
		return fmt.Errorf("LISTEN_ADDR %q is not a loopback address; /mcp has no authentication of its own", a.cfg.ListenAddr)
	}

	mux, err := server.NewMux(server.MuxConfig{
		Controller: a.controller,
		Store:      a.store,
		Guard:      a.guard,
		Routes:     a.routes,
		Metrics:    a.metrics,
		Logger:     a.logger,
		APIURL:     a.cfg.APIURL,
	})
	if err != nil {
		return err
	}

	mcpServer := a.newMCPServer()
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil))

	srv := &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	a.logger.Info("portal-session starting",
		slog.String("version", Version),
		slog.String("listen", a.cfg.ListenAddr),
		slog.String("api", a.cfg.APIURL),
		slog.String("store", a.cfg.Store),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
