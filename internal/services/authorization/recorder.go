package authorization

// Recorder receives operational counters from the engine. The metrics
// collector implements it.
type Recorder interface {
	RecordDecision(reason string, allowed, cached bool)
	RecordAuditFailure()
	RecordAuditDropped()
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(string, bool, bool) {}
func (nopRecorder) RecordAuditFailure()               {}
func (nopRecorder) RecordAuditDropped()               {}

// NopRecorder returns a Recorder that discards everything
func NopRecorder() Recorder { return nopRecorder{} }
