package persistence

import "strings"

// Operation kinds accepted by the database worker.
const (
	OpCreateRecording  = "create_recording"
	OpGetAllRecordings = "get_all_recordings"
	OpGetRecordingByID = "get_recording_by_id"
	OpUpdateRecording  = "update_recording"
	OpDeleteRecording  = "delete_recording"
	OpSearchRecordings = "search_recordings"
	OpRecordingExists  = "recording_exists"
	OpExecuteQuery     = "execute_query"
	OpCreateTable      = "create_table"
)

// kindInvalidOperation labels error events for envelopes that cannot be
// dispatched at all (missing or unknown kind).
const kindInvalidOperation = "invalid_operation"

// Operation is the unit of work submitted to the coordinator. It is immutable
// once enqueued; the worker only reads it. An empty CorrelationID marks a
// fire-and-forget submission: no completion event is published for it.
type Operation struct {
	Kind          string
	CorrelationID string
	Args          []any
	Kwargs        map[string]any
}

// statement classes for execute_query dispatch.
type stmtClass int

const (
	stmtSelect stmtClass = iota
	stmtMutation
	stmtMaintenance
)

// classifyStatement decides how an execute_query statement is run.
// Plain SELECTs run outside a transaction and never signal data-changed.
// VACUUM, ANALYZE, REINDEX and PRAGMA cannot run inside an explicit
// transaction, so they are executed directly; they do not touch entity rows
// and therefore never signal data-changed either.
func classifyStatement(sqlText string) stmtClass {
	head := strings.ToUpper(strings.TrimSpace(sqlText))
	switch {
	case strings.HasPrefix(head, "SELECT"), strings.HasPrefix(head, "WITH"), strings.HasPrefix(head, "EXPLAIN"):
		return stmtSelect
	case strings.HasPrefix(head, "VACUUM"), strings.HasPrefix(head, "ANALYZE"),
		strings.HasPrefix(head, "REINDEX"), strings.HasPrefix(head, "PRAGMA"):
		return stmtMaintenance
	default:
		return stmtMutation
	}
}

// returnsRows reports whether a statement produces a result set.
func returnsRows(class stmtClass) bool {
	return class == stmtSelect
}
