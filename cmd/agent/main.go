// Command tunnel-agent is the long-lived reverse-tunnel agent daemon: it
// maintains the SSH session to the rendezvous server, reconciles the
// tunnels named on its command line (and any later added through the
// control IPC or admin HTTP surfaces) against the live set of remote
// port-forwards, and forwards bytes for every inbound connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/shanty-social/tunnel-agent/addr"
	"github.com/shanty-social/tunnel-agent/adminhttp"
	"github.com/shanty-social/tunnel-agent/agentconfig"
	"github.com/shanty-social/tunnel-agent/agenterrors"
	"github.com/shanty-social/tunnel-agent/ipc"
	"github.com/shanty-social/tunnel-agent/keystore"
	"github.com/shanty-social/tunnel-agent/keywatch"
	"github.com/shanty-social/tunnel-agent/sshsession"
	"github.com/shanty-social/tunnel-agent/supervisor"
	"github.com/shanty-social/tunnel-agent/tunnel"
	"github.com/shanty-social/tunnel-agent/tunnelset"
)

// defaultSocketPath is used when --socket is not given and no
// TUNNEL_AGENT_SOCKET environment variable is set.
const defaultSocketPath = "/tmp/tunnel-agent.sock"

// Exit statuses. Losing the control socket mid-conversation gets its own
// status so wrappers can tell it apart from ordinary startup failures.
const (
	exitFailure = 1
	exitLostIPC = 2
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		var domainErr *agenterrors.Error
		if errors.As(err, &domainErr) && domainErr.Kind == agenterrors.KindProtocol {
			os.Exit(exitLostIPC)
		}
		os.Exit(exitFailure)
	}
}

func newRootCommand() *cobra.Command {
	var socketPath string
	var httpAddr string

	root := &cobra.Command{
		Use:   "tunnel-agent [domain:host:port ...]",
		Short: "Long-lived reverse-tunnel agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			specs := make([]addr.TunnelSpec, 0, len(args))
			for _, arg := range args {
				spec, err := addr.ParseTunnelSpec(arg)
				if err != nil {
					return err
				}
				specs = append(specs, spec)
			}
			return run(cmd.Context(), specs, socketPath, httpAddr)
		},
	}
	root.Flags().StringVar(&socketPath, "socket", envOr("TUNNEL_AGENT_SOCKET", defaultSocketPath), "control IPC unix socket path")
	root.Flags().StringVar(&httpAddr, "http-addr", os.Getenv("TUNNEL_AGENT_HTTP_ADDR"), "admin HTTP listen address (empty disables it)")
	return root
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, specs []addr.TunnelSpec, socketPath, httpAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := agentconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	signer, err := keystore.LoadOrGenerate(cfg.SSHKeyFile)
	if err != nil {
		return fmt.Errorf("load or generate ssh key: %w", err)
	}

	knownHostsFile := ""
	if cfg.Strict() {
		knownHostsFile = cfg.SSHHostKeysFile
	}
	session := sshsession.New(sshsession.Config{
		Host:           cfg.SSHHost,
		Port:           cfg.SSHPort,
		User:           cfg.SSHUser,
		Signer:         signer,
		KnownHostsFile: knownHostsFile,
	})

	table := tunnelset.New()
	for _, spec := range specs {
		table.Set(tunnel.Tunnel{Domain: spec.Domain, Host: spec.Host, Port: spec.Port})
	}

	super := supervisor.New(table, session, logger)

	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		super.Run(ctx)
	}()

	ipcCtx, cancelIPC := context.WithCancel(ctx)
	defer cancelIPC()

	ipcSrv := &ipc.Server{
		Table:    table,
		ListFunc: super.Live,
		StopFunc: func() { stop() },
		Logger:   logger,
	}
	ipcDone := make(chan error, 1)
	go func() { ipcDone <- ipcSrv.Serve(ipcCtx, listener) }()

	var echoSrv *echo.Echo
	if httpAddr != "" {
		echoSrv = echo.New()
		echoSrv.HideBanner = true
		(&adminhttp.Handler{Table: table}).Register(echoSrv)
		go func() {
			if err := echoSrv.Start(httpAddr); err != nil {
				logger.Warn("admin http server stopped", "error", err.Error())
			}
		}()
	}

	if watcher, err := keywatch.New(logger, cfg.SSHKeyFile, cfg.SSHHostKeysFile); err != nil {
		logger.Warn("key material watcher disabled", "error", err.Error())
	} else if watcher != nil {
		go watcher.Run(ctx, func(path string) {
			if path == cfg.SSHKeyFile {
				if signer, err := keystore.Load(path); err != nil {
					logger.Warn("reload rotated ssh key", "error", err.Error())
				} else {
					session.SetSigner(signer)
				}
			}
			super.ForceReconnect()
		})
	}

	var ipcErr error
	select {
	case <-ctx.Done():
	case ipcErr = <-ipcDone:
		// The control connection is gone, cleanly (stop) or not; either
		// way the daemon's lifetime is over.
		stop()
	}

	super.Stop()
	<-supervisorDone
	if echoSrv != nil {
		_ = echoSrv.Shutdown(context.Background())
	}

	if ipcErr == nil {
		cancelIPC()
		ipcErr = <-ipcDone
	}
	if ipcErr != nil && ipcErr != ipc.ErrStopped {
		return ipcErr
	}
	return nil
}
