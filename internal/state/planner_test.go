package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// fakeRunner scripts transition and check task outcomes.
type fakeRunner struct {
	mu      sync.Mutex
	checks  map[string]bool  // check task -> truthy
	fails   map[string]int   // transition task -> remaining failures
	ran     []string         // transition tasks in invocation order
	checked []string         // check tasks in invocation order
}

func (f *fakeRunner) RunTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, taskID)
	if n := f.fails[taskID]; n > 0 {
		f.fails[taskID] = n - 1
		return assertErr
	}
	return nil
}

var assertErr = &auraerr.ActionError{Action: "scripted", Err: context.DeadlineExceeded}

func (f *fakeRunner) RunCheck(ctx context.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, taskID)
	return f.checks[taskID], nil
}

func diamondMap(t *testing.T) *Map {
	t.Helper()
	m, err := NewMap(map[string]*State{
		"A": {CheckTask: "check_a"},
		"B": {CheckTask: "check_b"},
		"C": {CheckTask: "check_c"},
		"D": {CheckTask: "check_d"},
	}, []Transition{
		{From: "A", To: "B", Task: "a_to_b", Cost: 1},
		{From: "B", To: "D", Task: "b_to_d", Cost: 10},
		{From: "A", To: "C", Task: "a_to_c", Cost: 2},
		{From: "C", To: "D", Task: "c_to_d", Cost: 2},
	})
	require.NoError(t, err)
	return m
}

func TestPlanFindsMinimumCostPath(t *testing.T) {
	p := NewPlanner(diamondMap(t), &fakeRunner{}, DefaultOptions(), nil)

	path, err := p.Plan("A", "D")
	require.NoError(t, err)

	require.Len(t, path, 2)
	assert.Equal(t, "a_to_c", path[0].Task)
	assert.Equal(t, "c_to_d", path[1].Task)
	assert.Equal(t, 4, path[0].Cost+path[1].Cost)
}

func TestPlanNoPath(t *testing.T) {
	m, err := NewMap(map[string]*State{"X": {}, "Y": {}}, nil)
	require.NoError(t, err)
	p := NewPlanner(m, &fakeRunner{}, DefaultOptions(), nil)

	_, err = p.Plan("X", "Y")
	require.Error(t, err)
	assert.True(t, auraerr.IsPlanningError(err))
}

func TestPlanTieBreaksDeterministically(t *testing.T) {
	m, err := NewMap(map[string]*State{"A": {}, "B": {}, "C": {}}, []Transition{
		{From: "A", To: "B", Task: "via_b_1", Cost: 1},
		{From: "B", To: "C", Task: "via_b_2", Cost: 1},
		{From: "A", To: "C", Task: "direct", Cost: 2},
	})
	require.NoError(t, err)
	p := NewPlanner(m, &fakeRunner{}, DefaultOptions(), nil)

	for i := 0; i < 5; i++ {
		path, err := p.Plan("A", "C")
		require.NoError(t, err)
		require.Len(t, path, 1, "equal cost prefers the shorter path")
		assert.Equal(t, "direct", path[0].Task)
	}
}

func TestDetermineCurrentStateOrdersByDistance(t *testing.T) {
	runner := &fakeRunner{checks: map[string]bool{"check_a": true}}
	p := NewPlanner(diamondMap(t), runner, DefaultOptions(), nil)

	current, dist, err := p.DetermineCurrentState(context.Background(), "D")
	require.NoError(t, err)
	assert.Equal(t, "A", current)
	assert.Equal(t, 2, dist)

	// D itself is closest to the target, so its check runs first.
	require.NotEmpty(t, runner.checked)
	assert.Equal(t, "check_d", runner.checked[0])
}

func TestDetermineCurrentStateUnknown(t *testing.T) {
	runner := &fakeRunner{checks: map[string]bool{}}
	p := NewPlanner(diamondMap(t), runner, DefaultOptions(), nil)

	current, _, err := p.DetermineCurrentState(context.Background(), "D")
	require.NoError(t, err)
	assert.Equal(t, Unknown, current)
}

func TestDetermineCurrentStateAsyncRace(t *testing.T) {
	m, err := NewMap(map[string]*State{
		"A": {CheckTask: "check_a", CanAsync: true},
		"B": {CheckTask: "check_b", CanAsync: true},
		"D": {},
	}, []Transition{
		{From: "A", To: "D", Task: "a_to_d", Cost: 1},
		{From: "B", To: "D", Task: "b_to_d", Cost: 1},
	})
	require.NoError(t, err)

	runner := &fakeRunner{checks: map[string]bool{"check_b": true}}
	p := NewPlanner(m, runner, DefaultOptions(), nil)

	current, _, err := p.DetermineCurrentState(context.Background(), "D")
	require.NoError(t, err)
	assert.Equal(t, "B", current)
}

func TestExecutePlanVerifiesAndSucceeds(t *testing.T) {
	runner := &fakeRunner{checks: map[string]bool{"check_c": true, "check_d": true}}
	p := NewPlanner(diamondMap(t), runner, DefaultOptions(), nil)

	path, err := p.Plan("A", "D")
	require.NoError(t, err)
	require.NoError(t, p.ExecutePlan(context.Background(), "D", path))
	assert.Equal(t, []string{"a_to_c", "c_to_d"}, runner.ran)
}

func TestExecutePlanReplansUpToBound(t *testing.T) {
	// Verification never succeeds, and detection keeps reporting A, so the
	// planner replans until the bound trips.
	runner := &fakeRunner{checks: map[string]bool{"check_a": true}}
	opts := Options{VerifyRetries: 1, MaxReplans: 2, Backoff: time.Millisecond}
	p := NewPlanner(diamondMap(t), runner, opts, nil)

	path, err := p.Plan("A", "D")
	require.NoError(t, err)

	err = p.ExecutePlan(context.Background(), "D", path)
	require.Error(t, err)
	var pe *auraerr.PlanningError
	require.ErrorAs(t, err, &pe)
}

func TestExecutePlanCancelled(t *testing.T) {
	runner := &fakeRunner{checks: map[string]bool{}}
	p := NewPlanner(diamondMap(t), runner, DefaultOptions(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path := []Transition{{From: "A", To: "C", Task: "a_to_c"}}
	err := p.ExecutePlan(ctx, "D", path)
	assert.ErrorIs(t, err, auraerr.ErrCancelled)
}
