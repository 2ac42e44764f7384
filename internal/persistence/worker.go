package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxnote/voxnote/internal/bus"
	"github.com/voxnote/voxnote/internal/otel"
	"github.com/voxnote/voxnote/internal/shared"
)

const (
	// popInterval bounds how long the worker waits for an envelope before
	// re-checking its keep-running flag.
	popInterval = 500 * time.Millisecond

	// stopTimeout bounds how long Stop waits for the loop to drain and exit.
	stopTimeout = 10 * time.Second
)

// worker owns the only database connection. All reads and writes go through
// its loop goroutine; nothing else ever touches w.db after start returns.
type worker struct {
	dbPath  string
	queue   *opQueue
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics

	db      *sql.DB
	running atomic.Bool
	done    chan struct{}
}

func newWorker(dbPath string, queue *opQueue, b *bus.Bus, logger *slog.Logger, metrics *otel.Metrics) *worker {
	return &worker{
		dbPath:  dbPath,
		queue:   queue,
		bus:     b,
		logger:  logger,
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// start opens the connection, creates the schema, and launches the loop.
// Startup failures are returned to the caller instead of being deferred to
// the first operation.
func (w *worker) start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(w.dbPath), 0o700); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", w.dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Forces the actual connection open so a bad path fails here.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return fmt.Errorf("enable WAL: %w", err)
	}

	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return err
	}

	w.db = db
	w.running.Store(true)
	go w.loop()

	w.logger.Info("database worker started", "path", w.dbPath)
	return nil
}

// stop asks the loop to drain and exit, waiting up to stopTimeout.
// Safe to call more than once and after the loop has already exited.
func (w *worker) stop() {
	w.running.Store(false)
	w.queue.Push(nil) // shutdown sentinel; ignored if the queue is closed

	select {
	case <-w.done:
	case <-time.After(stopTimeout):
		w.logger.Warn("database worker did not drain in time", "timeout", stopTimeout)
	}
}

// loop is the single consumer of the queue. It exits once the keep-running
// flag is cleared and the queue has been drained.
func (w *worker) loop() {
	defer close(w.done)
	defer func() {
		if err := w.db.Close(); err != nil {
			w.logger.Error("closing database", "error", err)
		}
	}()

	for {
		op, ok := w.queue.PopWait(popInterval)
		if !ok {
			if !w.running.Load() {
				w.drain()
				return
			}
			continue
		}
		if op == nil {
			// Sentinel: finish whatever is already queued, then exit.
			w.drain()
			return
		}
		if w.metrics != nil {
			w.metrics.QueueDepth.Add(context.Background(), -1)
		}
		w.dispatch(op)
	}
}

// drain processes every envelope still in the queue, skipping further
// sentinels, then returns.
func (w *worker) drain() {
	for {
		op, ok := w.queue.tryPop()
		if !ok {
			return
		}
		if op == nil {
			continue
		}
		if w.metrics != nil {
			w.metrics.QueueDepth.Add(context.Background(), -1)
		}
		w.dispatch(op)
	}
}

// dispatch runs one envelope and publishes its outcome. A panic inside an
// operation is contained here so one bad envelope cannot take the loop down.
func (w *worker) dispatch(op *Operation) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("operation panicked", "kind", op.Kind, "panic", r)
			w.publishError(op, &OperationError{Kind: op.Kind, Err: fmt.Errorf("panic: %v", r)})
			// Brief pause so a persistently panicking submitter cannot
			// spin the loop hot.
			time.Sleep(50 * time.Millisecond)
		}
	}()

	start := time.Now()
	result, change, err := w.execute(op)
	elapsed := time.Since(start)

	if w.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("kind", op.Kind))
		w.metrics.OperationDuration.Record(context.Background(), elapsed.Seconds(), attrs)
		if err != nil {
			w.metrics.OperationErrors.Add(context.Background(), 1, attrs)
		}
	}

	if err != nil {
		w.logger.Error("operation failed", "kind", op.Kind, "correlation_id", op.CorrelationID, "error", err)
		w.publishError(op, err)
		return
	}

	w.logger.Debug("operation completed", "kind", op.Kind, "correlation_id", op.CorrelationID, "duration", elapsed)
	if op.CorrelationID != "" {
		w.bus.Publish(bus.TopicOperationCompleted, bus.OperationCompletedEvent{
			CorrelationID: op.CorrelationID,
			Kind:          op.Kind,
			Result:        result,
		})
	}
	if change != nil {
		if w.metrics != nil {
			w.metrics.DataChanges.Add(context.Background(), 1)
		}
		w.bus.Publish(bus.TopicDataChanged, *change)
	}
}

func (w *worker) publishError(op *Operation, err error) {
	kind := op.Kind
	var invalid *InvalidOperationError
	if errors.As(err, &invalid) {
		kind = kindInvalidOperation
	}
	w.bus.Publish(bus.TopicOperationFailed, bus.OperationFailedEvent{
		CorrelationID: op.CorrelationID,
		Kind:          kind,
		Message:       shared.Redact(err.Error()),
		Err:           err,
	})
}

// execute routes an envelope to its handler. It returns the result payload
// and, for committed mutations, the data-changed event to publish.
func (w *worker) execute(op *Operation) (any, *bus.DataChangedEvent, error) {
	ctx := context.Background()

	switch op.Kind {
	case OpCreateRecording:
		return w.createRecording(ctx, op)
	case OpGetAllRecordings:
		recs, err := selectAllRecordings(ctx, w.db)
		return recs, nil, wrapOp(op.Kind, err)
	case OpGetRecordingByID:
		id, err := argInt64(op, 0, "id")
		if err != nil {
			return nil, nil, err
		}
		rec, err := selectRecordingByID(ctx, w.db, id)
		return rec, nil, wrapOp(op.Kind, err)
	case OpUpdateRecording:
		return w.updateRecording(ctx, op)
	case OpDeleteRecording:
		return w.deleteRecording(ctx, op)
	case OpSearchRecordings:
		term, err := argString(op, 0, "search term")
		if err != nil {
			return nil, nil, err
		}
		recs, err := searchRecordings(ctx, w.db, term)
		return recs, nil, wrapOp(op.Kind, err)
	case OpRecordingExists:
		path, err := argString(op, 0, "file path")
		if err != nil {
			return nil, nil, err
		}
		exists, err := recordingExistsByPath(ctx, w.db, path)
		return exists, nil, wrapOp(op.Kind, err)
	case OpExecuteQuery:
		return w.executeQuery(ctx, op)
	case OpCreateTable:
		return w.createTable(ctx, op)
	case "":
		return nil, nil, &InvalidOperationError{Reason: "missing operation kind"}
	default:
		return nil, nil, &InvalidOperationError{Kind: op.Kind, Reason: "unknown operation kind"}
	}
}

func (w *worker) createRecording(ctx context.Context, op *Operation) (any, *bus.DataChangedEvent, error) {
	data, err := argRecordingData(op)
	if err != nil {
		return nil, nil, err
	}
	if err := data.Validate(); err != nil {
		return nil, nil, err
	}

	var id int64
	err = w.inTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		id, txErr = insertRecording(ctx, tx, data)
		return txErr
	})
	if err != nil {
		return nil, nil, wrapOp(op.Kind, err)
	}
	return id, &bus.DataChangedEvent{Entity: "recording", ID: id}, nil
}

func (w *worker) updateRecording(ctx context.Context, op *Operation) (any, *bus.DataChangedEvent, error) {
	id, err := argInt64(op, 0, "id")
	if err != nil {
		return nil, nil, err
	}
	if len(op.Kwargs) == 0 {
		w.logger.Warn("update with no fields", "recording_id", id)
		return false, nil, nil
	}

	var issued bool
	err = w.inTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		issued, txErr = updateRecordingFields(ctx, tx, w.logger, id, op.Kwargs)
		return txErr
	})
	if err != nil {
		return nil, nil, wrapOp(op.Kind, err)
	}
	if !issued {
		// Nothing was written, so nothing changed.
		return false, nil, nil
	}
	return true, &bus.DataChangedEvent{Entity: "recording", ID: id}, nil
}

func (w *worker) deleteRecording(ctx context.Context, op *Operation) (any, *bus.DataChangedEvent, error) {
	id, err := argInt64(op, 0, "id")
	if err != nil {
		return nil, nil, err
	}
	err = w.inTx(ctx, func(tx *sql.Tx) error {
		return deleteRecordingByID(ctx, tx, id)
	})
	if err != nil {
		return nil, nil, wrapOp(op.Kind, err)
	}
	return true, &bus.DataChangedEvent{Entity: "recording", ID: id}, nil
}

func (w *worker) executeQuery(ctx context.Context, op *Operation) (any, *bus.DataChangedEvent, error) {
	sqlText, err := argString(op, 0, "sql statement")
	if err != nil {
		return nil, nil, err
	}
	params := queryParams(op)
	returnLastRowID, _ := op.Kwargs["return_last_row_id"].(bool)

	switch classifyStatement(sqlText) {
	case stmtSelect:
		rows, err := runQuery(ctx, w.db, sqlText, params)
		return rows, nil, wrapOp(op.Kind, err)

	case stmtMaintenance:
		// VACUUM and friends refuse to run inside a transaction.
		_, err := w.db.ExecContext(ctx, sqlText, params...)
		return nil, nil, wrapOp(op.Kind, err)

	default:
		var lastID int64 = -1
		err := w.inTx(ctx, func(tx *sql.Tx) error {
			res, txErr := tx.ExecContext(ctx, sqlText, params...)
			if txErr != nil {
				if isUniqueConstraint(txErr) {
					return &DuplicatePathError{Path: firstStringParam(params)}
				}
				return txErr
			}
			if id, idErr := res.LastInsertId(); idErr == nil {
				lastID = id
			}
			return nil
		})
		if err != nil {
			return nil, nil, wrapOp(op.Kind, err)
		}

		change := &bus.DataChangedEvent{Entity: "query", ID: lastID}
		if returnLastRowID {
			return lastID, change, nil
		}
		return nil, change, nil
	}
}

func (w *worker) createTable(ctx context.Context, op *Operation) (any, *bus.DataChangedEvent, error) {
	sqlText, err := argString(op, 0, "table definition")
	if err != nil {
		return nil, nil, err
	}
	err = w.inTx(ctx, func(tx *sql.Tx) error {
		_, txErr := tx.ExecContext(ctx, sqlText)
		return txErr
	})
	// Schema changes do not fire data-changed; nothing subscribes to DDL.
	return nil, nil, wrapOp(op.Kind, err)
}

// inTx runs fn inside a transaction, rolling back on any error before the
// failure is reported upward.
func (w *worker) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			w.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func wrapOp(kind string, err error) error {
	if err == nil {
		return nil
	}
	var dup *DuplicatePathError
	var invalid *InvalidOperationError
	if errors.As(err, &dup) || errors.As(err, &invalid) {
		return err
	}
	return &OperationError{Kind: kind, Err: err}
}

// Argument extraction. Envelope args arrive as []any; numeric ids may be any
// integer width depending on the submitter.

func argString(op *Operation, idx int, what string) (string, error) {
	if len(op.Args) <= idx {
		return "", &InvalidOperationError{Kind: op.Kind, Reason: fmt.Sprintf("missing %s argument", what)}
	}
	s, ok := op.Args[idx].(string)
	if !ok {
		return "", &InvalidOperationError{Kind: op.Kind, Reason: fmt.Sprintf("%s must be a string, got %T", what, op.Args[idx])}
	}
	return s, nil
}

func argInt64(op *Operation, idx int, what string) (int64, error) {
	if len(op.Args) <= idx {
		return 0, &InvalidOperationError{Kind: op.Kind, Reason: fmt.Sprintf("missing %s argument", what)}
	}
	switch v := op.Args[idx].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, &InvalidOperationError{Kind: op.Kind, Reason: fmt.Sprintf("%s must be an integer, got %T", what, op.Args[idx])}
	}
}

func argRecordingData(op *Operation) (RecordingData, error) {
	if len(op.Args) == 0 {
		return RecordingData{}, &InvalidOperationError{Kind: op.Kind, Reason: "missing recording data argument"}
	}
	switch v := op.Args[0].(type) {
	case RecordingData:
		return v, nil
	case *RecordingData:
		if v == nil {
			return RecordingData{}, &InvalidOperationError{Kind: op.Kind, Reason: "recording data is nil"}
		}
		return *v, nil
	default:
		return RecordingData{}, &InvalidOperationError{Kind: op.Kind, Reason: fmt.Sprintf("recording data must be RecordingData, got %T", op.Args[0])}
	}
}

// queryParams returns the bind parameters for execute_query: either a single
// []any second argument or the remaining positional arguments.
func queryParams(op *Operation) []any {
	if len(op.Args) < 2 {
		return nil
	}
	if list, ok := op.Args[1].([]any); ok {
		return list
	}
	return op.Args[1:]
}

func firstStringParam(params []any) string {
	for _, p := range params {
		if s, ok := p.(string); ok {
			return s
		}
	}
	return ""
}
