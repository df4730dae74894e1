// Package transport owns the per-worker websocket connection: reading
// inbound frames (READY_FOR_TASKS registrations, TASK_RUN_COMPLETED and
// TASK_HEARTBEAT outcome reports) and writing outbound EXECUTE_RUNS
// dispatches, using the same ReadPump/WritePump ping-pong idiom and ServeWS
// upgrade handling common to websocket-backed Go services, but as a 1-to-1
// bidirectional RPC channel between one dispatcher and one worker process
// rather than a broadcast pub-sub hub fanning one event out to many clients.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/maumercado/taskrun-dispatcher/internal/dispatch"
	"github.com/maumercado/taskrun-dispatcher/internal/logger"
	"github.com/maumercado/taskrun-dispatcher/internal/metrics"
	"github.com/maumercado/taskrun-dispatcher/internal/queue"
	"github.com/maumercado/taskrun-dispatcher/internal/runs"
)

const (
	// writeWait is how long a single websocket write may take.
	writeWait = 10 * time.Second
	// pongWait is how long we tolerate silence from the worker before
	// considering the connection dead.
	pongWait = 60 * time.Second
	// pingPeriod must stay under pongWait so a ping always lands before the
	// read deadline expires.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds one inbound frame; execution descriptors only
	// flow outbound, so inbound frames are always small status reports.
	maxMessageSize = 1 << 20
	// sendBufferSize is how many outbound frames can queue before Send
	// reports the connection as overloaded.
	sendBufferSize = 256
)

// ErrSendBufferFull is returned by Send when the outbound channel is backed
// up, signaling the caller (the dispatch loop) to treat this exactly like
// any other transport failure.
var ErrSendBufferFull = errors.New("transport: send buffer full")

// inboundEnvelope is peeked at first to route a frame without fully
// unmarshaling it twice.
type inboundEnvelope struct {
	Type string `json:"type"`
}

// Connection is one authenticated worker's websocket, bound to the
// Dispatcher and CompletionHandler for its environment. It implements
// dispatch.Sender.
type Connection struct {
	id   string
	conn *websocket.Conn
	env  runs.AuthenticatedEnvironment

	dispatcher  *dispatch.Dispatcher
	completion  *dispatch.CompletionHandler
	queueClient queue.Client

	send chan []byte

	pendingMu sync.Mutex
	pending   map[string]pendingAttempt

	workerMu      sync.Mutex
	workerVersion *runs.BackgroundWorkerVersion

	connectedAt time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// Info is a point-in-time snapshot of a connection, used by admin inspection
// endpoints; WorkerVersion is nil until the worker has sent READY_FOR_TASKS.
type Info struct {
	ID            string
	EnvironmentID string
	WorkerVersion *runs.BackgroundWorkerVersion
	ConnectedAt   time.Time
}

// Info returns a snapshot of this connection's current state.
func (c *Connection) Info() Info {
	c.workerMu.Lock()
	wv := c.workerVersion
	c.workerMu.Unlock()
	return Info{ID: c.id, EnvironmentID: c.env.ID, WorkerVersion: wv, ConnectedAt: c.connectedAt}
}

// pendingAttempt is what Send retains so a later completion/heartbeat frame
// can be routed back to the queue message and run/attempt pair it belongs
// to, and so a disconnect can roll back whatever never got a response.
type pendingAttempt struct {
	runID     string
	attemptID string
	queueMsg  *queue.Message
}

// NewConnection wraps an upgraded websocket for one environment, bound to
// the Dispatcher and CompletionHandler that own its dispatch loop, and the
// queue client used to nack abandoned attempts on disconnect.
func NewConnection(conn *websocket.Conn, env runs.AuthenticatedEnvironment, d *dispatch.Dispatcher, ch *dispatch.CompletionHandler, q queue.Client) *Connection {
	return &Connection{
		id:          uuid.New().String()[:8],
		conn:        conn,
		env:         env,
		dispatcher:  d,
		completion:  ch,
		queueClient: q,
		send:        make(chan []byte, sendBufferSize),
		pending:     make(map[string]pendingAttempt),
		connectedAt: time.Now().UTC(),
		closed:      make(chan struct{}),
	}
}

// Send implements dispatch.Sender: marshal the envelope, remember the
// attempt as pending, and hand it to WritePump. Caller (the dispatch loop)
// already holds the run lock; Send only fails if the outbound channel itself
// is backed up or the frame can't be marshaled.
func (c *Connection) Send(_ context.Context, attempt *runs.TaskRunAttempt, queueMsg *queue.Message, msg *dispatch.BackgroundWorkerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.pendingMu.Lock()
	c.pending[attempt.FriendlyID] = pendingAttempt{runID: attempt.RunID, attemptID: attempt.ID, queueMsg: queueMsg}
	c.pendingMu.Unlock()

	select {
	case c.send <- data:
		return nil
	default:
		c.pendingMu.Lock()
		delete(c.pending, attempt.FriendlyID)
		c.pendingMu.Unlock()
		return ErrSendBufferFull
	}
}

// Run starts the read and write pumps as goroutines and blocks until the
// connection closes; the caller runs this in its own goroutine per accepted
// connection.
func (c *Connection) Run() {
	started := time.Now()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		defer wg.Done()
		c.readPump()
	}()
	wg.Wait()

	metrics.RecordConnectionDuration(c.env.ID, time.Since(started).Seconds())
	c.releasePending()
}

// Close stops the write pump and closes the underlying socket. Safe to call
// more than once and from any goroutine.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *Connection) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	log := logger.WithEnvironment(c.env.ID)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.id).Msg("transport: read error")
			}
			return
		}
		c.handleFrame(raw)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// handleFrame routes one inbound frame to the registry, completion handler,
// or heartbeat extension, based on its top-level and (for
// BACKGROUND_WORKER_MESSAGE) Data-level type discriminator.
func (c *Connection) handleFrame(raw []byte) {
	ctx := context.Background()
	log := logger.WithEnvironment(c.env.ID)

	var envelope inboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		log.Warn().Err(err).Msg("transport: unparseable inbound frame")
		return
	}

	switch envelope.Type {
	case dispatch.ReadyForTasksFrameType:
		var msg dispatch.ReadyForTasksMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Msg("transport: malformed READY_FOR_TASKS frame")
			return
		}
		wv, err := c.dispatcher.RegisterWorker(ctx, msg)
		if err != nil {
			log.Error().Err(err).Msg("transport: register worker failed")
			return
		}
		c.workerMu.Lock()
		c.workerVersion = wv
		c.workerMu.Unlock()
		metrics.RecordTransportMessage("inbound", dispatch.ReadyForTasksFrameType)

	case dispatch.BackgroundWorkerMessageFrameType:
		var bwm dispatch.BackgroundWorkerMessage
		if err := json.Unmarshal(raw, &bwm); err != nil {
			log.Warn().Err(err).Msg("transport: malformed BACKGROUND_WORKER_MESSAGE frame")
			return
		}
		c.handleBackgroundWorkerMessage(ctx, bwm.Data)

	default:
		log.Warn().Str("type", envelope.Type).Msg("transport: unknown inbound frame type")
	}
}

func (c *Connection) handleBackgroundWorkerMessage(ctx context.Context, data json.RawMessage) {
	log := logger.WithEnvironment(c.env.ID)

	var inner inboundEnvelope
	if err := json.Unmarshal(data, &inner); err != nil {
		log.Warn().Err(err).Msg("transport: malformed BACKGROUND_WORKER_MESSAGE data")
		return
	}

	switch inner.Type {
	case dispatch.TaskRunCompletedFrameType:
		var completed dispatch.TaskRunCompletedData
		if err := json.Unmarshal(data, &completed); err != nil {
			log.Warn().Err(err).Msg("transport: malformed TASK_RUN_COMPLETED data")
			return
		}
		pending := c.takePending(completed.FriendlyAttemptID)
		if err := c.completion.OnCompleted(ctx, completed.FriendlyAttemptID, completed.Completion, pending); err != nil {
			log.Error().Err(err).Str("attempt_id", completed.FriendlyAttemptID).Msg("transport: completion handling failed")
			return
		}
		metrics.RecordTransportMessage("inbound", dispatch.TaskRunCompletedFrameType)

	case dispatch.TaskHeartbeatFrameType:
		var hb dispatch.TaskHeartbeatData
		if err := json.Unmarshal(data, &hb); err != nil {
			log.Warn().Err(err).Msg("transport: malformed TASK_HEARTBEAT data")
			return
		}
		extend := 0
		if hb.ExtendSeconds != nil {
			extend = *hb.ExtendSeconds
		}
		c.completion.OnHeartbeat(ctx, hb.FriendlyAttemptID, extend, c.peekPending(hb.FriendlyAttemptID))
		metrics.RecordTransportMessage("inbound", dispatch.TaskHeartbeatFrameType)

	default:
		log.Warn().Str("type", inner.Type).Msg("transport: unknown BACKGROUND_WORKER_MESSAGE data type")
	}
}

// takePending looks up and removes a pending attempt: used for
// TASK_RUN_COMPLETED, since that frame always finalizes the attempt one way
// or another.
func (c *Connection) takePending(friendlyAttemptID string) *queue.Message {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending[friendlyAttemptID]
	if !ok {
		return nil
	}
	delete(c.pending, friendlyAttemptID)
	return p.queueMsg
}

// peekPending looks up a pending attempt without removing it: used for
// TASK_HEARTBEAT, since the attempt is still executing.
func (c *Connection) peekPending(friendlyAttemptID string) *queue.Message {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending[friendlyAttemptID]
	if !ok {
		return nil
	}
	return p.queueMsg
}

// releasePending rolls back every attempt still outstanding when the
// connection closes: the worker that would have reported their outcome is
// gone, so each run's lock and attempt are discarded for redelivery rather
// than left stuck in executing forever.
func (c *Connection) releasePending() {
	c.pendingMu.Lock()
	remaining := make([]pendingAttempt, 0, len(c.pending))
	for _, p := range c.pending {
		remaining = append(remaining, p)
	}
	c.pending = make(map[string]pendingAttempt)
	c.pendingMu.Unlock()

	if len(remaining) == 0 {
		return
	}

	log := logger.WithEnvironment(c.env.ID)
	ctx := context.Background()
	for _, p := range remaining {
		if err := c.dispatcher.ReleaseAbandoned(ctx, p.runID, p.attemptID); err != nil {
			log.Error().Err(err).Str("attempt_id", p.attemptID).Msg("transport: failed to release abandoned attempt")
		}
		if p.queueMsg != nil {
			if err := c.queueClient.Nack(ctx, p.queueMsg, nil); err != nil {
				log.Error().Err(err).Str("attempt_id", p.attemptID).Msg("transport: failed to nack abandoned message")
			}
		}
	}
}
