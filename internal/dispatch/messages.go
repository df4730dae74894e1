// Package dispatch implements the per-connection pull-dispatch cycle: the
// Dispatch Loop that hands queued runs to a remote worker, and the
// Completion Handler that reacts to the worker's outcome messages. It runs
// as a single cooperative goroutine per connection rather than a
// concurrency-sized worker pool, since at-most-one-in-flight execution per
// run is the whole point here.
package dispatch

import (
	"encoding/json"
	"time"
)

// QueuePayload is the tagged-variant schema a queue.Message's Payload
// parses as. Unknown Type values are treated as poison and ack'd.
type QueuePayload struct {
	Type           string `json:"type"`
	TaskIdentifier string `json:"taskIdentifier"`
}

const queuePayloadTypeExecute = "EXECUTE"

// ExecutionDescriptor is the outbound payload handed to the worker over the
// transport, matching the schema in the External Interfaces section
// verbatim: every identifier that crosses the boundary is a friendly ID.
type ExecutionDescriptor struct {
	Task        DescriptorTask        `json:"task"`
	Attempt     DescriptorAttempt     `json:"attempt"`
	Run         DescriptorRun         `json:"run"`
	Queue       DescriptorQueue       `json:"queue"`
	Environment DescriptorEnvironment `json:"environment"`
	Organization DescriptorOrganization `json:"organization"`
	Project     DescriptorProject     `json:"project"`
}

type DescriptorTask struct {
	ID         string `json:"id"`
	FilePath   string `json:"filePath"`
	ExportName string `json:"exportName"`
}

type DescriptorAttempt struct {
	ID                     string    `json:"id"`
	Number                 int       `json:"number"`
	StartedAt              time.Time `json:"startedAt"`
	BackgroundWorkerID     string    `json:"backgroundWorkerId"`
	BackgroundWorkerTaskID string    `json:"backgroundWorkerTaskId"`
	Status                 string    `json:"status"`
}

type DescriptorRun struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	PayloadType string          `json:"payloadType"`
	Context     json.RawMessage `json:"context"`
	CreatedAt   time.Time       `json:"createdAt"`
	Tags        []string        `json:"tags"`
}

type DescriptorQueue struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type DescriptorEnvironment struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Type string `json:"type"`
}

type DescriptorOrganization struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type DescriptorProject struct {
	ID   string `json:"id"`
	Ref  string `json:"ref"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// ExecutePayload is one element of an EXECUTE_RUNS message's payloads array;
// traceContext travels alongside the descriptor so retry events on the
// worker side link back to the run's trace.
type ExecutePayload struct {
	Execution    ExecutionDescriptor `json:"execution"`
	TraceContext string              `json:"traceContext"`
}

// BackgroundWorkerMessageFrameType is the top-level frame discriminator
// transport uses to tell a BACKGROUND_WORKER_MESSAGE envelope apart from a
// READY_FOR_TASKS registration on the same connection.
const BackgroundWorkerMessageFrameType = "BACKGROUND_WORKER_MESSAGE"

// BackgroundWorkerMessage is the outbound envelope wrapping an EXECUTE_RUNS
// dispatch, and the inbound envelope wrapping worker-reported outcomes.
type BackgroundWorkerMessage struct {
	Type               string          `json:"type"`
	BackgroundWorkerID string          `json:"backgroundWorkerId"`
	Data               json.RawMessage `json:"data"`
}

// ExecuteRunsData is BackgroundWorkerMessage.Data for an outbound dispatch.
type ExecuteRunsData struct {
	Type     string           `json:"type"`
	Payloads []ExecutePayload `json:"payloads"`
}

const executeRunsType = "EXECUTE_RUNS"

// NewExecuteRunsMessage wraps a single execution payload in the envelope the
// transport writes to the worker's send channel.
func NewExecuteRunsMessage(friendlyWorkerID string, payload ExecutePayload) (*BackgroundWorkerMessage, error) {
	data, err := json.Marshal(ExecuteRunsData{Type: executeRunsType, Payloads: []ExecutePayload{payload}})
	if err != nil {
		return nil, err
	}
	return &BackgroundWorkerMessage{Type: BackgroundWorkerMessageFrameType, BackgroundWorkerID: friendlyWorkerID, Data: data}, nil
}

// TaskRunCompletion is the tagged-variant completion payload reported by the
// worker: either a success with output, or a failure optionally carrying a
// worker-computed retry timestamp.
type TaskRunCompletion struct {
	OK         bool            `json:"ok"`
	Output     json.RawMessage `json:"output,omitempty"`
	OutputType string          `json:"outputType,omitempty"`
	Error      string          `json:"error,omitempty"`
	Retry      *RetryDecision  `json:"retry,omitempty"`
}

// RetryDecision carries the worker-supplied next-attempt timestamp; the
// dispatcher never computes this itself (see runs.RetryConfig).
type RetryDecision struct {
	Timestamp time.Time `json:"timestamp"`
}

// TaskRunCompletedFrameType and TaskHeartbeatFrameType are the Data-level
// discriminators inside a BACKGROUND_WORKER_MESSAGE envelope, used by
// transport to route an inbound frame to OnCompleted or OnHeartbeat.
const (
	TaskRunCompletedFrameType = "TASK_RUN_COMPLETED"
	TaskHeartbeatFrameType    = "TASK_HEARTBEAT"
)

// TaskRunCompletedData is BACKGROUND_WORKER_MESSAGE.data for a
// TASK_RUN_COMPLETED inbound message.
type TaskRunCompletedData struct {
	Type              string            `json:"type"`
	FriendlyAttemptID string            `json:"attemptId"`
	Completion        TaskRunCompletion `json:"completion"`
}

// TaskHeartbeatData is BACKGROUND_WORKER_MESSAGE.data for a TASK_HEARTBEAT
// inbound message.
type TaskHeartbeatData struct {
	Type              string `json:"type"`
	FriendlyAttemptID string `json:"attemptId"`
	ExtendSeconds     *int   `json:"extendSeconds,omitempty"`
}

// ReadyForTasksFrameType is the top-level frame discriminator identifying a
// ReadyForTasksMessage on the wire.
const ReadyForTasksFrameType = "READY_FOR_TASKS"

// ReadyForTasksMessage is the inbound envelope a worker sends to register a
// BackgroundWorkerVersion and its declared tasks.
type ReadyForTasksMessage struct {
	Type               string              `json:"type"`
	BackgroundWorkerID string              `json:"backgroundWorkerId"`
	Version            string              `json:"version"`
	ContentHash        string              `json:"contentHash"`
	QueueName          string              `json:"queueName"`
	Tasks              []ReadyForTasksTask `json:"tasks"`
}

type ReadyForTasksTask struct {
	Slug        string `json:"slug"`
	FilePath    string `json:"filePath"`
	ExportName  string `json:"exportName"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
}

const defaultHeartbeatExtendSeconds = 60
