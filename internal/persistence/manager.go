package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/voxnote/voxnote/internal/bus"
	"github.com/voxnote/voxnote/internal/otel"
)

// dispatchBuffer sizes the dispatcher's bus subscription. Results are routed
// to waiters immediately, so the buffer only needs to absorb bursts.
const dispatchBuffer = 1024

// Outcome is the terminal state of one submitted operation.
type Outcome struct {
	Kind   string
	Result any
	Err    error
}

// Manager is the façade in front of the database worker. Callers submit
// operation envelopes; the manager correlates completion and failure events
// back to them. All methods are safe for concurrent use.
//
// Construct with NewManager and inject it where database access is needed.
type Manager struct {
	queue   *opQueue
	worker  *worker
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics

	mu       sync.Mutex
	pending  map[string]chan Outcome
	shutdown bool

	sub            *bus.Subscription
	dispatcherDone chan struct{}
}

// NewManager opens the database at dbPath, starts the worker loop, and
// begins routing results. The returned manager must be Shutdown when done.
func NewManager(ctx context.Context, dbPath string, b *bus.Bus, logger *slog.Logger, metrics *otel.Metrics) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	queue := newOpQueue()
	w := newWorker(dbPath, queue, b, logger.With("component", "db-worker"), metrics)
	if err := w.start(ctx); err != nil {
		return nil, err
	}

	m := &Manager{
		queue:          queue,
		worker:         w,
		bus:            b,
		logger:         logger.With("component", "db-manager"),
		metrics:        metrics,
		pending:        make(map[string]chan Outcome),
		sub:            b.SubscribeBuffered("operation.", dispatchBuffer),
		dispatcherDone: make(chan struct{}),
	}
	go m.dispatchLoop()
	return m, nil
}

// dispatchLoop is the single reader of the manager's bus subscription. Each
// event is routed to at most one waiter; the waiter's channel holds exactly
// one outcome and is removed from the pending map before the send, so a
// result can never be delivered twice.
func (m *Manager) dispatchLoop() {
	defer close(m.dispatcherDone)
	for ev := range m.sub.Ch() {
		switch payload := ev.Payload.(type) {
		case bus.OperationCompletedEvent:
			m.deliver(payload.CorrelationID, Outcome{Kind: payload.Kind, Result: payload.Result})
		case bus.OperationFailedEvent:
			m.deliver(payload.CorrelationID, Outcome{Kind: payload.Kind, Err: outcomeError(payload)})
		}
	}
}

func (m *Manager) deliver(correlationID string, out Outcome) {
	if correlationID == "" {
		return
	}
	m.mu.Lock()
	ch, ok := m.pending[correlationID]
	if ok {
		delete(m.pending, correlationID)
	}
	m.mu.Unlock()
	if !ok {
		// Waiter already gave up (context cancellation) or this was a
		// fire-and-forget failure; nothing to route.
		return
	}
	ch <- out
	close(ch)
}

// outcomeError prefers the typed error carried on the event so callers on the
// Execute path can match with errors.As; the redacted message is a fallback.
func outcomeError(ev bus.OperationFailedEvent) error {
	if ev.Err != nil {
		return ev.Err
	}
	if ev.Kind == kindInvalidOperation {
		return &InvalidOperationError{Reason: ev.Message}
	}
	return &OperationError{Kind: ev.Kind, Err: fmt.Errorf("%s", ev.Message)}
}

// Submit enqueues an operation without waiting for it. When callback is
// non-nil it is invoked from a new goroutine with the result of a successful
// operation; failures are published on the bus only. Returns the correlation
// id ("" for fire-and-forget) and ErrShutdown after Shutdown.
func (m *Manager) Submit(kind string, args []any, kwargs map[string]any, callback func(result any)) (string, error) {
	var correlationID string
	var ch chan Outcome

	if callback != nil {
		correlationID = uuid.NewString()
		ch = make(chan Outcome, 1)
	}

	if err := m.enqueue(&Operation{Kind: kind, CorrelationID: correlationID, Args: args, Kwargs: kwargs}, ch); err != nil {
		return "", err
	}

	if callback != nil {
		go func() {
			out, ok := <-ch
			if !ok || out.Err != nil {
				return
			}
			callback(out.Result)
		}()
	}
	return correlationID, nil
}

// Execute enqueues an operation and blocks until its outcome arrives, the
// context is cancelled, or the manager shuts down.
func (m *Manager) Execute(ctx context.Context, kind string, args []any, kwargs map[string]any) (any, error) {
	correlationID := uuid.NewString()
	ch := make(chan Outcome, 1)

	op := &Operation{Kind: kind, CorrelationID: correlationID, Args: args, Kwargs: kwargs}
	if err := m.enqueue(op, ch); err != nil {
		return nil, err
	}

	select {
	case out, ok := <-ch:
		if !ok {
			return nil, ErrShutdown
		}
		return out.Result, out.Err
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, correlationID)
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (m *Manager) enqueue(op *Operation, ch chan Outcome) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	if ch != nil {
		m.pending[op.CorrelationID] = ch
	}
	m.mu.Unlock()

	if !m.queue.Push(op) {
		m.mu.Lock()
		delete(m.pending, op.CorrelationID)
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.metrics != nil {
		m.metrics.QueueDepth.Add(context.Background(), 1)
	}
	return nil
}

// QueueLen reports how many envelopes are waiting.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// Shutdown drains the queue, stops the worker, and fails any blocked
// Execute calls with ErrShutdown. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.mu.Unlock()

	m.worker.stop()
	m.queue.Close()

	m.bus.Unsubscribe(m.sub)
	<-m.dispatcherDone

	// Anything still pending will never get a result.
	m.mu.Lock()
	for id, ch := range m.pending {
		delete(m.pending, id)
		close(ch)
	}
	m.mu.Unlock()

	m.logger.Info("database manager shut down")
}

// Typed convenience wrappers over Execute.

// CreateRecording validates and inserts a recording, returning its id.
// A duplicate file_path surfaces as *DuplicatePathError.
func (m *Manager) CreateRecording(ctx context.Context, data RecordingData) (int64, error) {
	if err := data.Validate(); err != nil {
		return 0, err
	}
	result, err := m.Execute(ctx, OpCreateRecording, []any{data}, nil)
	if err != nil {
		return 0, err
	}
	id, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected create_recording result %T", result)
	}
	return id, nil
}

// GetAllRecordings returns every recording, newest first.
func (m *Manager) GetAllRecordings(ctx context.Context) ([]Recording, error) {
	result, err := m.Execute(ctx, OpGetAllRecordings, nil, nil)
	if err != nil {
		return nil, err
	}
	recs, _ := result.([]Recording)
	return recs, nil
}

// GetRecordingByID returns one recording, or nil when it does not exist.
func (m *Manager) GetRecordingByID(ctx context.Context, id int64) (*Recording, error) {
	result, err := m.Execute(ctx, OpGetRecordingByID, []any{id}, nil)
	if err != nil {
		return nil, err
	}
	rec, _ := result.(*Recording)
	return rec, nil
}

// UpdateRecording applies a partial field update. It reports whether any SQL
// was issued; unknown fields are dropped.
func (m *Manager) UpdateRecording(ctx context.Context, id int64, fields map[string]any) (bool, error) {
	result, err := m.Execute(ctx, OpUpdateRecording, []any{id}, fields)
	if err != nil {
		return false, err
	}
	issued, _ := result.(bool)
	return issued, nil
}

// DeleteRecording removes a recording and its folder associations.
func (m *Manager) DeleteRecording(ctx context.Context, id int64) error {
	_, err := m.Execute(ctx, OpDeleteRecording, []any{id}, nil)
	return err
}

// SearchRecordings matches the term against filenames and transcripts.
func (m *Manager) SearchRecordings(ctx context.Context, term string) ([]Recording, error) {
	result, err := m.Execute(ctx, OpSearchRecordings, []any{term}, nil)
	if err != nil {
		return nil, err
	}
	recs, _ := result.([]Recording)
	return recs, nil
}

// RecordingExists reports whether a recording with this source path exists.
func (m *Manager) RecordingExists(ctx context.Context, filePath string) (bool, error) {
	result, err := m.Execute(ctx, OpRecordingExists, []any{filePath}, nil)
	if err != nil {
		return false, err
	}
	exists, _ := result.(bool)
	return exists, nil
}

// ExecuteQuery runs an arbitrary statement through the worker. SELECTs
// return [][]any rows; mutations return nil, or the last insert id when
// returnLastRowID is set.
func (m *Manager) ExecuteQuery(ctx context.Context, sqlText string, params []any, returnLastRowID bool) (any, error) {
	var kwargs map[string]any
	if returnLastRowID {
		kwargs = map[string]any{"return_last_row_id": true}
	}
	return m.Execute(ctx, OpExecuteQuery, []any{sqlText, params}, kwargs)
}

// CreateTable runs a CREATE TABLE statement through the worker.
func (m *Manager) CreateTable(ctx context.Context, ddl string) error {
	_, err := m.Execute(ctx, OpCreateTable, []any{ddl}, nil)
	return err
}
