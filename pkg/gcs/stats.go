package gcs

// StatsRecorder receives notifications about cache traffic so callers can
// export metrics. Implementations must be safe for concurrent use.
type StatsRecorder interface {
	// RecordBlockLoadRequest is called before a block is fetched from the
	// origin.
	RecordBlockLoadRequest(filename string, offset int64)
	// RecordBlockRetrieved is called after a block fetch completes.
	RecordBlockRetrieved(filename string, offset int64, bytesTransferred int)
	// RecordStatObjectRequest is called for every object metadata request.
	RecordStatObjectRequest()
}

type nopStats struct{}

func (nopStats) RecordBlockLoadRequest(string, int64)    {}
func (nopStats) RecordBlockRetrieved(string, int64, int) {}
func (nopStats) RecordStatObjectRequest()                {}
