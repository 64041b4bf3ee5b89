package pipeline

import "fmt"

// State is a pipeline run lifecycle state.
type State string

const (
	StateReceived          State = "RECEIVED"
	StatePreprocessing     State = "PREPROCESSING"
	StateIntentionDetected State = "INTENTION_DETECTED"
	StateAgentExecuting    State = "AGENT_EXECUTING"
	StateGenerating        State = "GENERATING"
	StateStreaming         State = "STREAMING"
	StateComplete          State = "COMPLETE"
	StateCancelled         State = "CANCELLED"
	StateFailed            State = "FAILED"
)

// Trigger names what caused a transition.
type Trigger string

const (
	TriggerDequeued      Trigger = "dequeued"
	TriggerPreprocessed  Trigger = "preprocessed"
	TriggerAgentRequired Trigger = "agent_required"
	TriggerFastPath      Trigger = "fast_path"
	TriggerAgentResolved Trigger = "agent_resolved"
	TriggerFirstChunk    Trigger = "first_chunk"
	TriggerFinalChunk    Trigger = "final_chunk"
	TriggerStopObserved  Trigger = "stop_observed"
	TriggerStageFailed   Trigger = "stage_failed"
)

var forward = map[State][]State{
	StateReceived:          {StatePreprocessing},
	StatePreprocessing:     {StateIntentionDetected},
	StateIntentionDetected: {StateAgentExecuting, StateGenerating},
	StateAgentExecuting:    {StateGenerating},
	StateGenerating:        {StateStreaming},
	StateStreaming:         {StateComplete},
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateFailed
}

// Transition is one recorded state change.
type Transition struct {
	From    State
	To      State
	Trigger Trigger
}

// Validate checks the transition against the run lifecycle. Every non-terminal state may move
// to CANCELLED or FAILED; other moves follow the forward chain.
func (t Transition) Validate() error {
	if t.From.Terminal() {
		return fmt.Errorf("run is terminal in state %s", t.From)
	}
	if t.Trigger == "" {
		return fmt.Errorf("trigger is required")
	}
	if t.To == StateCancelled || t.To == StateFailed {
		return nil
	}
	for _, next := range forward[t.From] {
		if next == t.To {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", t.From, t.To)
}
