package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdeconnect-service/config"
	"kdeconnect-service/logger"
	"kdeconnect-service/protocol"
)

// testConfig writes a config for dataDir that binds only ephemeral ports
// and leaves the session bus and mDNS alone.
func testConfig(t *testing.T, dataDir string) *config.DeviceConfig {
	t.Helper()
	cfg, cfgPath, err := config.LoadOrCreate(dataDir)
	require.NoError(t, err)

	cfg.TCPPort = freeTCPPort(t)
	cfg.DiscoveryPort = freeUDPPort(t)
	cfg.MDNSEnabled = false
	cfg.DBusEnabled = false
	cfg.IPCSocketPath = filepath.Join(dataDir, "ipc.sock")
	require.NoError(t, config.Save(cfgPath, cfg))
	return cfg
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func startTestService(t *testing.T) (*Service, string) {
	t.Helper()
	dataDir := t.TempDir()
	cfg := testConfig(t, dataDir)

	service, err := StartService(ServiceOptions{
		Config:           cfg,
		DataDir:          dataDir,
		Logger:           logger.NewTestLogger(),
		DisableBroadcast: true,
	})
	require.NoError(t, err)
	t.Cleanup(service.Close)
	return service, dataDir
}

func execute(t *testing.T, opts *rootOptions, args ...string) (string, error) {
	t.Helper()
	if opts == nil {
		opts = &rootOptions{}
	}
	root := newRootCommand(opts)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))
	assert.Equal(t, ExitBind, ExitCode(exitErr(ExitBind, "listen: %w", errors.New("address in use"))))

	wrapped := errors.Join(errors.New("context"), exitErr(ExitIdentity, "identity: %w", os.ErrPermission))
	assert.Equal(t, ExitIdentity, ExitCode(wrapped))
	assert.ErrorIs(t, wrapped, os.ErrPermission)
}

func TestServiceStartsAndAdvertisesCapabilities(t *testing.T) {
	service, _ := startTestService(t)

	assert.NotZero(t, service.TCPPort())
	assert.FileExists(t, service.IPC.Addr())

	incoming, outgoing := service.Router.Capabilities()
	assert.Contains(t, incoming, protocol.TypeBattery)
	assert.Contains(t, incoming, protocol.TypeSMSMessages)
	assert.Contains(t, outgoing, protocol.TypeFindMyPhoneRequest)
	assert.Empty(t, service.Manager.Devices())
}

func TestStartServiceBindFailure(t *testing.T) {
	dataDir := t.TempDir()
	cfg := testConfig(t, dataDir)

	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()
	cfg.TCPPort = busy.Addr().(*net.TCPAddr).Port

	_, err = StartService(ServiceOptions{Config: cfg, DataDir: dataDir, Logger: logger.NewTestLogger(), DisableBroadcast: true})
	require.Error(t, err)
	assert.Equal(t, ExitBind, ExitCode(err))
}

func TestStartServiceSocketInUse(t *testing.T) {
	first, _ := startTestService(t)

	dataDir := t.TempDir()
	cfg := testConfig(t, dataDir)
	cfg.IPCSocketPath = first.IPC.Addr()

	_, err := StartService(ServiceOptions{Config: cfg, DataDir: dataDir, Logger: logger.NewTestLogger(), DisableBroadcast: true})
	require.Error(t, err)
	assert.Equal(t, ExitBind, ExitCode(err))
}

func TestStartServiceIdentityFailure(t *testing.T) {
	dataDir := t.TempDir()
	cfg := testConfig(t, dataDir)
	// A directory where the key file should be cannot be read as a key.
	cfg.IdentityKeyPath = t.TempDir()

	_, err := StartService(ServiceOptions{Config: cfg, DataDir: dataDir, Logger: logger.NewTestLogger(), DisableBroadcast: true})
	require.Error(t, err)
	assert.Equal(t, ExitIdentity, ExitCode(err))
}

func TestClientCommandsAgainstRunningService(t *testing.T) {
	service, _ := startTestService(t)
	socket := service.IPC.Addr()

	out, err := execute(t, nil, "--socket", socket, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "No devices found.")

	out, err = execute(t, nil, "--socket", socket, "--json", "pairings")
	require.NoError(t, err)
	assert.Contains(t, out, "null")

	_, err = execute(t, nil, "--socket", socket, "pair", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown device")
	assert.Equal(t, ExitFailure, ExitCode(err))

	_, err = execute(t, nil, "--socket", socket, "send", "ghost", "ping", "not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid JSON")
}

func TestClientCommandWithoutService(t *testing.T) {
	_, err := execute(t, nil, "--socket", filepath.Join(t.TempDir(), "missing.sock"), "--timeout", "200ms", "devices")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is the service running?")
}

func TestIdentityCommandCreatesKey(t *testing.T) {
	dataDir := t.TempDir()

	out, err := execute(t, nil, "--data-dir", dataDir, "identity")
	require.NoError(t, err)
	assert.Contains(t, out, "Device ID:")
	assert.Contains(t, out, "Fingerprint:")
	assert.FileExists(t, filepath.Join(dataDir, "keys", "identity.pem"))

	again, err := execute(t, nil, "--data-dir", dataDir, "identity")
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestRunCommandServesUntilSignalled(t *testing.T) {
	dataDir := t.TempDir()
	cfg := testConfig(t, dataDir)

	stopCtx, stop := context.WithCancel(context.Background())
	opts := &rootOptions{
		logOutput: io.Discard,
		signals: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return stopCtx, stop
		},
	}

	done := make(chan error, 1)
	go func() {
		_, err := execute(t, opts, "--data-dir", dataDir, "run", "--no-broadcast")
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.IPCSocketPath)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	out, err := execute(t, nil, "--socket", cfg.IPCSocketPath, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "No devices found.")

	stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after the stop signal")
	}
	assert.NoFileExists(t, cfg.IPCSocketPath)
}

func TestAuditCommandReadsTrustLog(t *testing.T) {
	_, dataDir := startTestService(t)

	out, err := execute(t, nil, "--data-dir", dataDir, "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "SEVERITY")

	_, err = execute(t, nil, "--data-dir", dataDir, "audit", "--severity", "loud")
	require.Error(t, err)
}
