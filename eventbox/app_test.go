//go:build unit

package eventbox

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/halberd-labs/lib-eventbox/eventbox/log"
)

type recordingApp struct {
	mu   sync.Mutex
	runs int
	err  error
}

func (a *recordingApp) Run(_ *Launcher) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.runs++

	return a.err
}

func (a *recordingApp) runCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.runs
}

func TestLauncherAddValidation(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher()

	require.ErrorIs(t, launcher.Add("", &recordingApp{}), ErrEmptyApp)
	require.ErrorIs(t, launcher.Add("   ", &recordingApp{}), ErrEmptyApp)
	require.ErrorIs(t, launcher.Add("worker", nil), ErrNilApp)
	require.NoError(t, launcher.Add("worker", &recordingApp{}))

	var nilLauncher *Launcher

	require.ErrorIs(t, nilLauncher.Add("worker", &recordingApp{}), ErrNilLauncher)
	require.ErrorIs(t, nilLauncher.RunWithError(), ErrNilLauncher)
}

func TestLauncherRunWithErrorRequiresLogger(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher(RunApp("worker", &recordingApp{}))
	require.ErrorIs(t, launcher.RunWithError(), ErrLoggerNil)
}

func TestLauncherRunsAllApps(t *testing.T) {
	t.Parallel()

	first := &recordingApp{}
	second := &recordingApp{err: errors.New("app failed")}

	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("first", first),
		RunApp("second", second),
	)

	// App errors are logged, not propagated; one failing app must not take
	// the launcher down.
	require.NoError(t, launcher.RunWithError())
	require.Equal(t, 1, first.runCount())
	require.Equal(t, 1, second.runCount())
}

func TestLauncherSurfacesRegistrationErrors(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("", &recordingApp{}),
	)

	err := launcher.RunWithError()
	require.ErrorIs(t, err, ErrConfigFailed)
	require.ErrorIs(t, err, ErrEmptyApp)
}

func TestLauncherZeroValueIsUsable(t *testing.T) {
	t.Parallel()

	launcher := &Launcher{Logger: log.NewNop()}

	app := &recordingApp{}
	require.NoError(t, launcher.Add("worker", app))
	require.NoError(t, launcher.RunWithError())
	require.Equal(t, 1, app.runCount())
}
