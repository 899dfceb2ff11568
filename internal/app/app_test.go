package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/sttd/internal/analyzer"
	"github.com/rbright/sttd/internal/beeper"
	"github.com/rbright/sttd/internal/broadcaster"
	"github.com/rbright/sttd/internal/config"
	"github.com/rbright/sttd/internal/daemon"
	"github.com/rbright/sttd/internal/governor"
	"github.com/rbright/sttd/internal/modelregistry"
	"github.com/rbright/sttd/internal/modelruntime"
	"github.com/rbright/sttd/internal/notify"
	"github.com/rbright/sttd/internal/realtime"
	"github.com/rbright/sttd/internal/recorder"
	"github.com/rbright/sttd/internal/validate"
)

func TestExecuteHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := Execute(context.Background(), []string{"--help"}, &stdout, &stderr)
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "Usage:")
	require.Empty(t, stderr.String())
}

func TestExecuteVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := Execute(context.Background(), []string{"--version"}, &stdout, &stderr)
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "sttd")
	require.Empty(t, stderr.String())
}

func TestExecuteUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := Execute(context.Background(), []string{"definitely-not-a-command"}, &stdout, &stderr)
	require.Equal(t, 2, exitCode)
	require.Contains(t, stderr.String(), "unknown command")
	require.Contains(t, stderr.String(), "Usage:")
}

func TestCommandPingUnreachableWhenNoDaemonListening(t *testing.T) {
	paths := setupRunnerEnv(t)

	var stdout, stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "--socket", paths.socketPath, "ping"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "unreachable")
}

func TestCommandStatusErrorsWhenNoDaemonListening(t *testing.T) {
	paths := setupRunnerEnv(t)

	var stdout, stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "--socket", paths.socketPath, "status"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "error:")
}

func TestCommandPingAndStatusAgainstRunningDaemon(t *testing.T) {
	paths := setupRunnerEnv(t)
	shutdown := startTestDaemonServer(t, paths.socketPath)
	defer shutdown()

	var stdout, stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "--socket", paths.socketPath, "ping"})
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "reachable")
	require.Empty(t, stderr.String())

	stdout.Reset()
	exitCode = runner.Execute(context.Background(), []string{"--config", paths.configPath, "--socket", paths.socketPath, "status"})
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "state=")
	require.Contains(t, stdout.String(), "model=whisper-tiny")
}

type runnerPaths struct {
	configPath string
	socketPath string
}

func setupRunnerEnv(t *testing.T) runnerPaths {
	t.Helper()

	xdgStateHome := t.TempDir()
	xdgConfigHome := t.TempDir()
	t.Setenv("XDG_STATE_HOME", xdgStateHome)
	t.Setenv("XDG_CONFIG_HOME", xdgConfigHome)

	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte("{}"), 0o600))

	socketPath := filepath.Join(t.TempDir(), "sttd.sock")

	return runnerPaths{configPath: configPath, socketPath: socketPath}
}

// startTestDaemonServer stands up a real daemon.Server (every Deps field
// built from its real constructor, stubbed only at each constructor's
// lowest interface boundary) so Runner's client commands can be exercised
// end to end without a live audio/model backend.
func startTestDaemonServer(t *testing.T, socketPath string) func() {
	t.Helper()

	store := config.NewStore(filepath.Join(t.TempDir(), "daemon-config.json"), config.Default(), nil, nil)

	loader := func(_ context.Context, modelID string, _ modelruntime.Device) (modelruntime.Backend, error) {
		return stubTestBackend{}, nil
	}
	runtime := modelruntime.New(
		loader,
		func(_ context.Context, _ string) error { return nil },
		store,
		notify.New(),
		modelruntime.Preconditions{
			IsRecording:          func() bool { return false },
			HasActiveRealtime:    func() bool { return false },
			IsDownloadInProgress: func() bool { return false },
		},
		nil, nil,
	)
	require.NoError(t, runtime.SwitchModel(context.Background(), "whisper-tiny"))

	reg, err := modelregistry.New(t.TempDir(), nil)
	require.NoError(t, err)

	rec := recorder.New(func(_ context.Context) (recorder.Source, error) {
		return nil, context.Canceled
	}, analyzer.New(16000), beeper.New(nil), nil)

	rt := realtime.New(runtime, notify.New(), nil)

	bc, err := broadcaster.New(t.TempDir(), 0, nil)
	require.NoError(t, err)
	go bc.Serve()

	deps := daemon.Deps{
		Store:       store,
		Runtime:     runtime,
		Registry:    reg,
		Recorder:    rec,
		Realtime:    rt,
		Notifier:    notify.New(),
		Broadcaster: bc,
		Governor:    governor.New(governor.Development()),
		Beeper:      beeper.New(nil),
	}
	dispatcher := daemon.New(deps)
	server := daemon.NewServer(dispatcher, deps.Governor, validate.NewKnownBinaryPaths(nil, "sttd"), true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	listener, err := daemon.Acquire(ctx, socketPath, 50*time.Millisecond, 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx, listener)
	}()

	return func() {
		cancel()
		_ = bc.Close()
		<-done
	}
}

type stubTestBackend struct{}

func (stubTestBackend) Transcribe(_ context.Context, _ []float32, _ int) (string, error) {
	return "stub transcript", nil
}
func (stubTestBackend) Close() error { return nil }
