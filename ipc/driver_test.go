package ipc

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/shanty-social/tunnel-agent/tunnelset"
)

// TestMain re-execs this test binary as a throwaway agent daemon when
// GO_IPC_HELPER_SOCKET is set, the same self-exec trick the standard
// library's os/exec tests use to get a real child process without building
// a separate binary.
func TestMain(m *testing.M) {
	if sock := os.Getenv("GO_IPC_HELPER_SOCKET"); sock != "" {
		runHelperDaemon(sock)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelperDaemon(socketPath string) {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		os.Exit(1)
	}
	defer os.Remove(socketPath)

	srv := &Server{Table: tunnelset.New()}
	srv.Serve(context.Background(), ln)
}

func helperCommand(socketPath string) func() *exec.Cmd {
	return func() *exec.Cmd {
		cmd := exec.Command(os.Args[0], "-test.run=TestMain")
		cmd.Env = append(os.Environ(), "GO_IPC_HELPER_SOCKET="+socketPath)
		return cmd
	}
}

func TestDriverLazySpawnsAndPings(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "agent.sock")
	driver := &Driver{SocketPath: socketPath, Command: helperCommand(socketPath), DialTimeout: 5 * time.Second}

	if err := driver.Ping(); err != nil {
		t.Fatalf("Ping() = %v", err)
	}

	if err := driver.Stop(5 * time.Second); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
}

func TestDriverRespawnsAfterStop(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "agent.sock")
	driver := &Driver{SocketPath: socketPath, Command: helperCommand(socketPath), DialTimeout: 5 * time.Second}

	if err := driver.Ping(); err != nil {
		t.Fatalf("first Ping() = %v", err)
	}
	if err := driver.Stop(5 * time.Second); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if err := driver.Ping(); err != nil {
		t.Fatalf("Ping() after respawn = %v", err)
	}
	if err := driver.Stop(5 * time.Second); err != nil {
		t.Fatalf("second Stop() = %v", err)
	}
}
