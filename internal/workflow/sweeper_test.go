package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/approvals/model"
)

func TestSweeper_SweepOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Three paused instances, one of which becomes ready.
	var ids []string
	for i := 0; i < 3; i++ {
		inst := env.start(t, "guarded")
		_, err := env.engine.Execute(ctx, testActor(), inst.ID)
		require.NoError(t, err)
		ids = append(ids, inst.ID)
	}
	_, err := env.engine.UpdateState(ctx, testActor(), ids[1], map[string]any{"approved": true})
	require.NoError(t, err)

	// An active instance whose first action has not run yet.
	active := env.start(t, "chain")

	s := NewSweeper(env.engine, env.store, "", 2, nil, nil)
	res, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 4, Advanced: 2, Unchanged: 2}, res)

	done, err := env.store.GetInstance(ctx, "tenant-1", ids[1])
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusComplete, done.Status)

	rts := env.runtimes(t, ids[1])
	require.Len(t, rts, 2)
	assert.Equal(t, "system", rts[1].ActorID)

	// The active instance moved on to a2, which awaits "ready".
	polled, err := env.store.GetInstance(ctx, "tenant-1", active.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusActive, polled.Status)
	assert.Equal(t, "a2", env.current(t, polled).ActionID)

	res, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 3, Unchanged: 3}, res)

	_, err = env.engine.UpdateState(ctx, testActor(), active.ID, map[string]any{"ready": true})
	require.NoError(t, err)
	res, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 3, Advanced: 1, Unchanged: 2}, res)

	polled, err = env.store.GetInstance(ctx, "tenant-1", active.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusComplete, polled.Status)
}

func TestSweeper_pausedOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	active := env.start(t, "chain")

	s := NewSweeper(env.engine, env.store, "", 10, nil, nil, SweepActive(false))
	res, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	untouched, err := env.store.GetInstance(ctx, "tenant-1", active.ID)
	require.NoError(t, err)
	assert.Equal(t, active.Version, untouched.Version)
}

func TestSweeper_countsFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inst := env.start(t, "guarded")
	_, err := env.engine.Execute(ctx, testActor(), inst.ID)
	require.NoError(t, err)

	// Hold the instance lock so the sweep cannot get it.
	locker := NewMemoryLocker(10 * time.Millisecond)
	env.engine.locker = locker
	release, err := locker.Acquire(ctx, LockKey(inst.ID))
	require.NoError(t, err)
	defer release()

	res, err := NewSweeper(env.engine, env.store, "", 10, nil, nil).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Failed: 1}, res)
}

func TestSweeper_StartStop(t *testing.T) {
	env := newTestEnv(t)
	s := NewSweeper(env.engine, env.store, "@every 1h", 10, nil, nil)

	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "second start")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
}

func TestSweeper_invalidSchedule(t *testing.T) {
	env := newTestEnv(t)
	s := NewSweeper(env.engine, env.store, "not a schedule", 10, nil, nil)
	assert.Error(t, s.Start())
}
