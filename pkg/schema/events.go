package schema

// Trace event tags emitted to the caller-supplied tracer.
const (
	EventStart      = "start"       // step execution begins; payload is the pre-execution context
	EventEnd        = "end"         // step execution finished; payload is the step result
	EventStopped    = "stopped"     // step skipped because the stop predicate fired
	EventPromptData = "prompt_data" // raw LLM call metadata from a prompt step
	EventItemEnd    = "item_end"    // one map item finished; emitted in completion order
	EventItemError  = "item_error"  // one map item failed and was skipped
)

// StepStatus marks the outcome recorded for a step in a workflow result map.
type StepStatus string

const (
	StepStatusStopped StepStatus = "stopped"
)
