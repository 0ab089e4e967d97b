package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID   key = "trace_id"
	RequestID key = "request_id"
	// JobID is set on contexts created by queue workers.
	JobID key = "job_id"
	// EvaluationID identifies one evaluate or run call end to end.
	EvaluationID key = "evaluation_id"
)

// All lists every key in the order loggers should emit them.
var All = []key{TraceID, RequestID, JobID, EvaluationID}

// Name returns the log field name of the key.
func (k key) Name() string {
	return string(k)
}
