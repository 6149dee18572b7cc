package automation

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/events"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/queue"
)

// Enqueuer is the slice of the queue engine the evaluator needs.
type Enqueuer interface {
	Enqueue(commandID string, input map[string]interface{}, opts queue.EnqueueOptions) (*queue.WorkItem, error)
}

// Evaluator watches the event bus and the clock, and fires active rules whose
// trigger and conditions match. Rules are loaded fresh from the repository at
// evaluation time; there is no in-memory rule cache to invalidate.
type Evaluator struct {
	repo     *Repository
	enqueuer Enqueuer
	eventMgr *events.Manager

	tickInterval time.Duration
	lastTick     time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
	stopped  bool

	log zerolog.Logger
}

// NewEvaluator creates the trigger evaluator. The schedule clock ticks once
// per minute, matching the resolution of the cron expressions.
func NewEvaluator(repo *Repository, enqueuer Enqueuer, eventMgr *events.Manager, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		repo:         repo,
		enqueuer:     enqueuer,
		eventMgr:     eventMgr,
		tickInterval: time.Minute,
		stopChan:     make(chan struct{}),
		log:          log.With().Str("component", "automation").Logger(),
	}
}

// Start subscribes to trigger events and begins the schedule clock.
func (e *Evaluator) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("evaluator already started")
	}
	e.started = true
	e.lastTick = time.Now()

	for _, eventType := range triggerEventTypes {
		t := eventType
		e.eventMgr.Bus().Subscribe(t, func(event *events.Event) {
			e.onEvent(t, event)
		})
	}

	e.wg.Add(1)
	go e.scheduleLoop()

	e.log.Info().
		Int("trigger_events", len(triggerEventTypes)).
		Dur("tick", e.tickInterval).
		Msg("Automation evaluator started")
	return nil
}

// Stop halts the schedule clock. Event subscriptions stay registered on the
// bus but fire into an evaluator that no longer ticks; the bus itself is torn
// down with the process.
func (e *Evaluator) Stop() {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stopChan)
	e.mu.Unlock()

	// An in-flight tick takes e.mu to advance lastTick, so the wait must
	// happen outside the lock.
	e.wg.Wait()
	e.log.Info().Msg("Automation evaluator stopped")
}

// onEvent fires every active rule bound to this event type whose conditions
// match the event's context map.
func (e *Evaluator) onEvent(eventType events.EventType, event *events.Event) {
	rules, err := e.repo.ActiveByTrigger(TriggerEvent, string(eventType))
	if err != nil {
		e.log.Error().Err(err).Str("event", string(eventType)).Msg("Failed to load rules for event")
		return
	}

	for _, rule := range rules {
		if !rule.matches(event.Data) {
			continue
		}
		e.fire(rule, event.Data)
	}
}

// scheduleLoop drives cron-triggered rules. Each tick covers the window since
// the previous tick, so a slow tick never skips a due firing.
func (e *Evaluator) scheduleLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case now := <-ticker.C:
			e.evaluateSchedules(now)
		}
	}
}

func (e *Evaluator) evaluateSchedules(now time.Time) {
	e.mu.Lock()
	since := e.lastTick
	e.lastTick = now
	e.mu.Unlock()

	rules, err := e.repo.List(true)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to load rules for schedule tick")
		return
	}

	for _, rule := range rules {
		if rule.TriggerType != TriggerSchedule {
			continue
		}

		schedule, err := scheduleParser.Parse(rule.TriggerSpec)
		if err != nil {
			// Validated at write time; a bad spec here means direct DB edits.
			e.log.Warn().
				Str("rule_id", rule.ID).
				Str("spec", rule.TriggerSpec).
				Msg("Skipping rule with unparsable schedule")
			continue
		}

		if next := schedule.Next(since); !next.After(now) {
			if !rule.matches(nil) {
				continue
			}
			e.fire(rule, nil)
		}
	}
}

// fire enqueues the rule's actions. Action failures are tolerated per action:
// one unknown or inactive command does not block the rest, and the execution
// is recorded either way.
func (e *Evaluator) fire(rule *Rule, ctx map[string]interface{}) {
	enqueued := 0
	for _, action := range rule.Actions {
		opts := queue.EnqueueOptions{Priority: queue.ParsePriority(action.Priority)}
		input := actionInput(action, ctx)

		item, err := e.enqueuer.Enqueue(action.CommandID, input, opts)
		if err != nil {
			e.log.Warn().
				Err(err).
				Str("rule_id", rule.ID).
				Str("command", action.CommandID).
				Msg("Rule action failed to enqueue")
			continue
		}

		enqueued++
		e.log.Debug().
			Str("rule_id", rule.ID).
			Str("command", action.CommandID).
			Str("work_item", item.ID).
			Msg("Rule action enqueued")
	}

	if err := e.repo.RecordExecution(rule.ID); err != nil {
		e.log.Error().Err(err).Str("rule_id", rule.ID).Msg("Failed to record rule execution")
	}

	e.eventMgr.EmitTyped(events.RuleFired, "automation", &events.RuleFiredData{
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		ActionsTotal:    len(rule.Actions),
		ActionsEnqueued: enqueued,
	})

	e.log.Info().
		Str("rule_id", rule.ID).
		Str("name", rule.Name).
		Int("actions_total", len(rule.Actions)).
		Int("actions_enqueued", enqueued).
		Msg("Automation rule fired")
}

// actionInput merges the triggering event's context under "trigger" so
// handlers can see what fired them. The action's own input wins on conflict.
func actionInput(action Action, ctx map[string]interface{}) map[string]interface{} {
	if len(ctx) == 0 {
		return action.Input
	}

	input := make(map[string]interface{}, len(action.Input)+1)
	input["trigger"] = ctx
	for k, v := range action.Input {
		input[k] = v
	}
	return input
}
