// Command devworker is a reference background-worker client: it dials the
// dispatcher's /ws endpoint, declares a small set of example tasks, and
// executes whatever EXECUTE_RUNS payloads the dispatcher sends, reporting
// each outcome back over the same connection. It exists so the dispatcher
// can be exercised end-to-end without a real worker runtime.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maumercado/taskrun-dispatcher/internal/dispatch"
	"github.com/maumercado/taskrun-dispatcher/internal/logger"
)

// taskHandler executes one task's payload and returns its JSON-serializable
// output, or an error if the task failed.
type taskHandler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

func main() {
	addr := flag.String("addr", "localhost:8080", "dispatcher host:port")
	apiKey := flag.String("api-key", os.Getenv("TASKRUN_API_KEY"), "API key identifying this worker's environment")
	queueName := flag.String("queue", "default", "queue name this worker declares its tasks against")
	version := flag.String("version", time.Now().UTC().Format("20060102.150405"), "worker version string")
	flag.Parse()

	logger.Init("info", os.Getenv("ENV") != "production")
	log := logger.Get()

	handlers := map[string]taskHandler{
		"echo":    echoHandler,
		"sleep":   sleepHandler,
		"fail":    failHandler,
		"compute": computeHandler,
	}

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	header := http.Header{}
	if *apiKey != "" {
		header.Set("X-API-Key", *apiKey)
	}

	log.Info().Str("url", u.String()).Msg("devworker: connecting")
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		log.Fatal().Err(err).Msg("devworker: dial failed")
	}
	defer conn.Close()

	w := &worker{conn: conn, handlers: handlers, id: "devworker-" + *version}

	if err := w.register(*version, *queueName); err != nil {
		log.Fatal().Err(err).Msg("devworker: registration failed")
	}
	log.Info().Str("version", *version).Int("tasks", len(handlers)).Msg("devworker: registered")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.readLoop(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info().Msg("devworker: shutting down")
	case <-done:
		log.Warn().Msg("devworker: connection closed by dispatcher")
	}
	cancel()
}

type worker struct {
	conn     *websocket.Conn
	handlers map[string]taskHandler
	id       string
}

func (w *worker) register(version, queueName string) error {
	tasks := make([]dispatch.ReadyForTasksTask, 0, len(w.handlers))
	for slug := range w.handlers {
		tasks = append(tasks, dispatch.ReadyForTasksTask{
			Slug:       slug,
			FilePath:   "./tasks/" + slug + ".go",
			ExportName: slug,
		})
	}

	msg := dispatch.ReadyForTasksMessage{
		Type:               dispatch.ReadyForTasksFrameType,
		BackgroundWorkerID: w.id,
		Version:            version,
		ContentHash:        version,
		QueueName:          queueName,
		Tasks:              tasks,
	}
	return w.conn.WriteJSON(msg)
}

// readLoop processes inbound BACKGROUND_WORKER_MESSAGE frames until ctx is
// canceled or the connection drops.
func (w *worker) readLoop(ctx context.Context) {
	log := logger.Get()
	for {
		var envelope struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := w.conn.ReadJSON(&envelope); err != nil {
			log.Warn().Err(err).Msg("devworker: read failed")
			return
		}

		if envelope.Type != dispatch.BackgroundWorkerMessageFrameType {
			continue
		}

		var data struct {
			Type     string                    `json:"type"`
			Payloads []dispatch.ExecutePayload `json:"payloads"`
		}
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			log.Warn().Err(err).Msg("devworker: malformed dispatch data")
			continue
		}

		for _, p := range data.Payloads {
			w.execute(ctx, p)
		}
	}
}

func (w *worker) execute(ctx context.Context, payload dispatch.ExecutePayload) {
	log := logger.Get()
	descriptor := payload.Execution
	attemptID := descriptor.Attempt.ID

	handler, ok := w.handlers[descriptor.Task.ExportName]
	if !ok {
		w.reportCompletion(attemptID, dispatch.TaskRunCompletion{
			OK:    false,
			Error: fmt.Sprintf("devworker: no handler registered for %q", descriptor.Task.ExportName),
		})
		return
	}

	output, err := handler(ctx, descriptor.Run.Payload)
	if err != nil {
		log.Error().Err(err).Str("attempt_id", attemptID).Msg("devworker: task failed")
		w.reportCompletion(attemptID, dispatch.TaskRunCompletion{OK: false, Error: err.Error()})
		return
	}

	outputJSON, err := json.Marshal(output)
	if err != nil {
		w.reportCompletion(attemptID, dispatch.TaskRunCompletion{OK: false, Error: "devworker: failed to marshal output: " + err.Error()})
		return
	}

	log.Info().Str("attempt_id", attemptID).Msg("devworker: task completed")
	w.reportCompletion(attemptID, dispatch.TaskRunCompletion{OK: true, Output: outputJSON, OutputType: "application/json"})
}

func (w *worker) reportCompletion(attemptID string, completion dispatch.TaskRunCompletion) {
	data, err := json.Marshal(dispatch.TaskRunCompletedData{
		Type:              dispatch.TaskRunCompletedFrameType,
		FriendlyAttemptID: attemptID,
		Completion:        completion,
	})
	if err != nil {
		logger.Get().Error().Err(err).Msg("devworker: failed to marshal completion")
		return
	}

	msg := dispatch.BackgroundWorkerMessage{
		Type:               dispatch.BackgroundWorkerMessageFrameType,
		BackgroundWorkerID: w.id,
		Data:               data,
	}
	if err := w.conn.WriteJSON(msg); err != nil {
		logger.Get().Error().Err(err).Msg("devworker: failed to send completion")
	}
}

// Example task handlers.

func echoHandler(_ context.Context, payload json.RawMessage) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return map[string]interface{}{"echoed": v}, nil
}

func sleepHandler(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var in struct {
		DurationMS int `json:"duration_ms"`
	}
	_ = json.Unmarshal(payload, &in)
	d := time.Duration(in.DurationMS) * time.Millisecond
	if d <= 0 {
		d = time.Second
	}

	select {
	case <-time.After(d):
		return map[string]interface{}{"slept_for": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func computeHandler(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var in struct {
		Iterations int `json:"iterations"`
	}
	_ = json.Unmarshal(payload, &in)
	if in.Iterations <= 0 {
		in.Iterations = 1_000_000
	}

	sum := 0
	for i := 0; i < in.Iterations; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			sum += i
		}
	}
	return map[string]interface{}{"result": sum}, nil
}

func failHandler(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return nil, fmt.Errorf("devworker: intentional failure for testing")
}
