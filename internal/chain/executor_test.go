package chain_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/chainlink/internal/backend/fake"
	"github.com/seantiz/chainlink/internal/chain"
)

// stubbornKill refuses to kill containers.
type stubbornKill struct{ *fake.Backend }

func (stubbornKill) Kill(context.Context, string) error { return errors.New("permission denied") }

// brokenWait fails every wait as if the engine connection dropped.
type brokenWait struct{ *fake.Backend }

func (brokenWait) Wait(context.Context, string) (int64, error) {
	return 0, errors.New("unexpected EOF")
}

func newWorkspace(t *testing.T) *chain.Workspace {
	t.Helper()
	ws, err := chain.AcquireWorkspace(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ws.Release() })
	return ws
}

func pulledFake(t *testing.T) *fake.Backend {
	t.Helper()
	b := fake.New()
	b.AddImage("alpine", fake.Image{Remote: true})
	require.NoError(t, b.PullImage(context.Background(), "alpine"))
	return b
}

func TestExecuteReportsKilledWhenKillFails(t *testing.T) {
	b := pulledFake(t)
	e := chain.NewExecutor(stubbornKill{b}, discardLogger(), 100*time.Millisecond)

	res, err := e.Execute(context.Background(), 0, timeout(stage("alpine", "sleep", "30"), 1), newWorkspace(t), nil)
	require.NoError(t, err)
	assert.True(t, res.Killed)
	assert.False(t, res.Success)
	assert.Contains(t, b.Removed(), res.ContainerID)
	assert.Equal(t, 0, b.Live())
}

func TestExecuteWaitFailureIsEngineError(t *testing.T) {
	b := pulledFake(t)
	e := chain.NewExecutor(brokenWait{b}, discardLogger(), 100*time.Millisecond)

	res, err := e.Execute(context.Background(), 0, stage("alpine", "sleep", "30"), newWorkspace(t), nil)
	require.ErrorIs(t, err, chain.ErrEngine)
	assert.False(t, res.Success)
	assert.Equal(t, 0, b.Live(), "container must be removed after an engine error")
}

func TestExecuteNaturalExitBeforeDeadline(t *testing.T) {
	b := pulledFake(t)
	e := chain.NewExecutor(b, discardLogger(), 0)

	res, err := e.Execute(context.Background(), 2, timeout(stage("alpine", "sleep", "0.05", "&&", "exit", "4"), 5),
		newWorkspace(t), map[string]string{"A": "1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Index)
	assert.False(t, res.Killed)
	assert.False(t, res.Success)
	assert.Equal(t, 4, res.ExitCode())
	assert.Empty(t, b.Killed())
	assert.Less(t, res.Duration, 5*time.Second)
}
