package automation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/events"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/queue"
	testingpkg "github.com/IrisGuard/coin-ai-market-sub001/internal/testing"
)

type enqueueCall struct {
	commandID string
	input     map[string]interface{}
	opts      queue.EnqueueOptions
}

// stubEnqueuer records enqueue calls and fails the command ids it is told to.
type stubEnqueuer struct {
	mu      sync.Mutex
	calls   []enqueueCall
	failFor map[string]error
}

func (s *stubEnqueuer) Enqueue(commandID string, input map[string]interface{}, opts queue.EnqueueOptions) (*queue.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failFor[commandID]; err != nil {
		return nil, err
	}
	s.calls = append(s.calls, enqueueCall{commandID: commandID, input: input, opts: opts})
	return &queue.WorkItem{ID: fmt.Sprintf("item-%d", len(s.calls))}, nil
}

func (s *stubEnqueuer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestEvaluator(t *testing.T) (*Evaluator, *Repository, *stubEnqueuer, *events.Bus) {
	t.Helper()

	db, cleanup := testingpkg.NewTestDB(t, "engine")
	t.Cleanup(cleanup)

	log := testingpkg.NopLogger()
	repo := NewRepository(db.Conn(), log)
	enqueuer := &stubEnqueuer{failFor: map[string]error{}}
	bus := events.NewBus(log)
	eval := NewEvaluator(repo, enqueuer, events.NewManager(bus, log), log)
	return eval, repo, enqueuer, bus
}

func TestEvaluator_FiresMatchingEventRule(t *testing.T) {
	eval, repo, enqueuer, _ := newTestEvaluator(t)

	rule := &Rule{
		Name:        "Recognize expensive uploads",
		TriggerType: TriggerEvent,
		TriggerSpec: string(events.CoinUploaded),
		Conditions: []Condition{
			{Field: "price", Op: OpGte, Value: 100.0},
		},
		Actions: []Action{
			{CommandID: "coin_recognition", Input: map[string]interface{}{"mode": "full"}, Priority: "high"},
		},
		Active: true,
	}
	require.NoError(t, repo.Create(rule))

	// Below the threshold: nothing fires.
	eval.onEvent(events.CoinUploaded, &events.Event{
		Type: events.CoinUploaded,
		Data: map[string]interface{}{"coin_id": "c1", "price": 40.0},
	})
	assert.Zero(t, enqueuer.callCount())

	eval.onEvent(events.CoinUploaded, &events.Event{
		Type: events.CoinUploaded,
		Data: map[string]interface{}{"coin_id": "c2", "price": 250.0},
	})
	require.Equal(t, 1, enqueuer.callCount())

	call := enqueuer.calls[0]
	assert.Equal(t, "coin_recognition", call.commandID)
	assert.Equal(t, queue.PriorityHigh, call.opts.Priority)

	// The triggering event's context rides along under "trigger"; the
	// action's own input keys are preserved.
	assert.Equal(t, "full", call.input["mode"])
	trigger, ok := call.input["trigger"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "c2", trigger["coin_id"])

	loaded, err := repo.Get(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.ExecutionCount)
	assert.NotNil(t, loaded.LastExecuted)
}

func TestEvaluator_InactiveRulesDoNotFire(t *testing.T) {
	eval, repo, enqueuer, _ := newTestEvaluator(t)

	rule := sampleEventRule("Disabled")
	rule.Conditions = nil
	rule.Active = false
	require.NoError(t, repo.Create(rule))

	eval.onEvent(events.CoinUploaded, &events.Event{
		Type: events.CoinUploaded,
		Data: map[string]interface{}{"coin_id": "c1"},
	})
	assert.Zero(t, enqueuer.callCount())
}

// One failing action must not block the others, and the rule's execution is
// recorded either way.
func TestEvaluator_PartialActionFailure(t *testing.T) {
	eval, repo, enqueuer, bus := newTestEvaluator(t)

	var (
		firedMu sync.Mutex
		fired   []*events.RuleFiredData
	)
	bus.Subscribe(events.RuleFired, func(event *events.Event) {
		if data, ok := event.GetTypedData().(*events.RuleFiredData); ok {
			firedMu.Lock()
			fired = append(fired, data)
			firedMu.Unlock()
		}
	})

	enqueuer.failFor["broken_command"] = errors.New("unknown or inactive command")

	rule := &Rule{
		Name:        "Two actions",
		TriggerType: TriggerEvent,
		TriggerSpec: string(events.ListingCreated),
		Actions: []Action{
			{CommandID: "broken_command"},
			{CommandID: "listing_reindex"},
		},
		Active: true,
	}
	require.NoError(t, repo.Create(rule))

	eval.onEvent(events.ListingCreated, &events.Event{
		Type: events.ListingCreated,
		Data: map[string]interface{}{"listing_id": "l1"},
	})

	require.Equal(t, 1, enqueuer.callCount())
	assert.Equal(t, "listing_reindex", enqueuer.calls[0].commandID)

	loaded, err := repo.Get(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.ExecutionCount)

	// The RuleFired event is delivered asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		firedMu.Lock()
		n := len(fired)
		firedMu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	firedMu.Lock()
	defer firedMu.Unlock()
	require.Len(t, fired, 1)
	assert.Equal(t, rule.ID, fired[0].RuleID)
	assert.Equal(t, 2, fired[0].ActionsTotal)
	assert.Equal(t, 1, fired[0].ActionsEnqueued)
}

func TestEvaluator_ScheduleTickCoversWindow(t *testing.T) {
	eval, repo, enqueuer, _ := newTestEvaluator(t)

	everyMinute := &Rule{
		Name:        "Every minute",
		TriggerType: TriggerSchedule,
		TriggerSpec: "* * * * *",
		Actions:     []Action{{CommandID: "history_cleanup"}},
		Active:      true,
	}
	require.NoError(t, repo.Create(everyMinute))

	notYet := &Rule{
		Name:        "Far future",
		TriggerType: TriggerSchedule,
		TriggerSpec: "0 3 29 2 *",
		Actions:     []Action{{CommandID: "archive_rotation"}},
		Active:      true,
	}
	require.NoError(t, repo.Create(notYet))

	now := time.Date(2026, 8, 28, 12, 30, 5, 0, time.UTC)
	eval.lastTick = now.Add(-90 * time.Second)
	eval.evaluateSchedules(now)

	require.Equal(t, 1, enqueuer.callCount())
	assert.Equal(t, "history_cleanup", enqueuer.calls[0].commandID)

	// The next tick's window starts where this one ended, so the same due
	// time never fires twice.
	eval.evaluateSchedules(now.Add(10 * time.Second))
	assert.Equal(t, 1, enqueuer.callCount())
}

func TestEvaluator_StartStop(t *testing.T) {
	eval, _, _, _ := newTestEvaluator(t)

	require.NoError(t, eval.Start())
	assert.Error(t, eval.Start(), "double start is rejected")
	eval.Stop()
	eval.Stop() // idempotent
}

func TestEvaluator_StopDuringTick(t *testing.T) {
	// A fast tick keeps evaluateSchedules in flight while Stop runs; Stop
	// must not hold the evaluator lock across its wait or the two deadlock.
	for i := 0; i < 20; i++ {
		eval, _, _, _ := newTestEvaluator(t)
		eval.tickInterval = 50 * time.Microsecond

		require.NoError(t, eval.Start())
		time.Sleep(time.Millisecond)

		done := make(chan struct{})
		go func() {
			eval.Stop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: Stop did not return", i)
		}
	}
}

func TestActionInput(t *testing.T) {
	action := Action{
		CommandID: "cmd",
		Input:     map[string]interface{}{"mode": "fast", "trigger": "explicit"},
	}

	// No context: the action input passes through untouched.
	assert.Equal(t, action.Input, actionInput(action, nil))

	merged := actionInput(action, map[string]interface{}{"coin_id": "c1"})
	assert.Equal(t, "fast", merged["mode"])
	// The action's own "trigger" key wins over the event context.
	assert.Equal(t, "explicit", merged["trigger"])
}
