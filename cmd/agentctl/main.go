// Command agentctl is the control-plane driver for the tunnel-agent
// daemon: it lazily spawns (and respawns, if the previous process died)
// the daemon on first use and drives it over the control IPC socket.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/shanty-social/tunnel-agent/addr"
	"github.com/shanty-social/tunnel-agent/ipc"
)

const defaultSocketPath = "/tmp/tunnel-agent.sock"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var socketPath string
	var daemonBin string

	root := &cobra.Command{
		Use:   "agentctl",
		Short: "Drive the tunnel-agent daemon's control IPC",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", envOr("TUNNEL_AGENT_SOCKET", defaultSocketPath), "control IPC unix socket path")
	root.PersistentFlags().StringVar(&daemonBin, "daemon-bin", envOr("TUNNEL_AGENT_BIN", "tunnel-agent"), "daemon binary to spawn if not already running")

	driver := func() *ipc.Driver {
		return &ipc.Driver{
			SocketPath: socketPath,
			Command: func() *exec.Cmd {
				cmd := exec.Command(daemonBin, "--socket", socketPath)
				cmd.Stdout = os.Stdout
				cmd.Stderr = os.Stderr
				return cmd
			},
		}
	}

	root.AddCommand(
		newPingCmd(driver),
		newAddCmd(driver),
		newDelCmd(driver),
		newListCmd(driver),
		newStopCmd(driver),
	)
	return root
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func newPingCmd(driver func() *ipc.Driver) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Round-trip a bare noop to the daemon, spawning it if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := driver().Ping(); err != nil {
				return err
			}
			fmt.Println("pong")
			return nil
		},
	}
}

func newAddCmd(driver func() *ipc.Driver) *cobra.Command {
	return &cobra.Command{
		Use:   "add <domain:host:port>",
		Short: "Declare a tunnel on the daemon's desired-state table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := addr.ParseTunnelSpec(args[0])
			if err != nil {
				return err
			}
			return driver().AddTunnel(spec.ToTunnel())
		},
	}
}

func newDelCmd(driver func() *ipc.Driver) *cobra.Command {
	return &cobra.Command{
		Use:   "del <domain>",
		Short: "Remove a tunnel's domain from the daemon's desired-state table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return driver().DelTunnel(args[0])
		},
	}
}

func newListCmd(driver func() *ipc.Driver) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every tunnel the daemon reports live",
		RunE: func(cmd *cobra.Command, args []string) error {
			tunnels, err := driver().ListTunnels()
			if err != nil {
				return err
			}
			for _, t := range tunnels {
				fmt.Println(t.String())
			}
			return nil
		},
	}
}

func newStopCmd(driver func() *ipc.Driver) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the daemon to exit cleanly",
		RunE: func(cmd *cobra.Command, args []string) error {
			return driver().Stop(timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "max time to wait for the daemon to exit")
	return cmd
}
