package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	// promauto registers these on package init; just verify they exist.
	assert.NotNil(t, RunsSubmitted)
	assert.NotNil(t, RunsCompleted)
	assert.NotNil(t, RunDuration)
	assert.NotNil(t, RetriesScheduled)

	assert.NotNil(t, DispatchLatency)
	assert.NotNil(t, LockConflicts)
	assert.NotNil(t, QueueDepth)

	assert.NotNil(t, ActiveConnections)
	assert.NotNil(t, ConnectionDuration)

	assert.NotNil(t, HTTPRequestDuration)
	assert.NotNil(t, HTTPRequestsTotal)

	assert.NotNil(t, StoreOperationDuration)
	assert.NotNil(t, StoreErrors)

	assert.NotNil(t, TransportMessages)
}

func TestRecordRunSubmission(t *testing.T) {
	RunsSubmitted.Reset()

	RecordRunSubmission("send-email", "default")
	RecordRunSubmission("send-email", "default")
	RecordRunSubmission("generate-report", "reports")

	// Just ensure no panic.
}

func TestRecordRunCompletion(t *testing.T) {
	RunsCompleted.Reset()
	RunDuration.Reset()

	RecordRunCompletion("send-email", "completed", 1.5)
	RecordRunCompletion("send-email", "failed", 0.5)
}

func TestRecordRetryScheduled(t *testing.T) {
	RetriesScheduled.Reset()

	RecordRetryScheduled("send-email")
	RecordRetryScheduled("send-email")
}

func TestUpdateQueueDepth(t *testing.T) {
	QueueDepth.Reset()

	UpdateQueueDepth("env-1", "default", 100)
	UpdateQueueDepth("env-1", "reports", 5)
}

func TestRecordDispatchLatency(t *testing.T) {
	DispatchLatency.Reset()

	RecordDispatchLatency("default", 0.01)
	RecordDispatchLatency("reports", 0.2)
}

func TestRecordLockConflict(t *testing.T) {
	LockConflicts.Reset()

	RecordLockConflict("default")
	RecordLockConflict("default")
}

func TestSetActiveConnections(t *testing.T) {
	SetActiveConnections(5)
	SetActiveConnections(10)
	SetActiveConnections(0)
}

func TestRecordConnectionDuration(t *testing.T) {
	ConnectionDuration.Reset()

	RecordConnectionDuration("env-1", 10.5)
	RecordConnectionDuration("env-2", 5.0)
}

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestDuration.Reset()
	HTTPRequestsTotal.Reset()

	RecordHTTPRequest("GET", "/api/v1/runs", "200", 0.05)
	RecordHTTPRequest("POST", "/api/v1/runs", "201", 0.1)
	RecordHTTPRequest("GET", "/api/v1/runs/123", "404", 0.01)
}

func TestRecordStoreOperation(t *testing.T) {
	StoreOperationDuration.Reset()

	RecordStoreOperation("lock_run_and_create_attempt", 0.001)
	RecordStoreOperation("get_run", 0.0005)
}

func TestRecordStoreError(t *testing.T) {
	StoreErrors.Reset()

	RecordStoreError("lock_run_and_create_attempt")
	RecordStoreError("get_run")
}

func TestRecordTransportMessage(t *testing.T) {
	TransportMessages.Reset()

	RecordTransportMessage("outbound", "EXECUTE")
	RecordTransportMessage("inbound", "COMPLETED")
	RecordTransportMessage("inbound", "HEARTBEAT")
}
