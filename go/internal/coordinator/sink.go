package coordinator

import (
	"context"
	"sync"
)

// LogSink persists log batches received by the collector endpoint
type LogSink interface {
	StoreBatch(ctx context.Context, experimentID string, logs []map[string]any) error
	Finalize(ctx context.Context, experimentID string, totalLogs int) error
}

// Finalization records a finalize_experiment request
type Finalization struct {
	ExperimentID string
	TotalLogs    int
	Received     int
}

// MemorySink keeps every batch in memory
type MemorySink struct {
	mu        sync.Mutex
	logs      map[string][]map[string]any
	finalized map[string]Finalization
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		logs:      make(map[string][]map[string]any),
		finalized: make(map[string]Finalization),
	}
}

func (s *MemorySink) StoreBatch(_ context.Context, experimentID string, logs []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[experimentID] = append(s.logs[experimentID], logs...)
	return nil
}

func (s *MemorySink) Finalize(_ context.Context, experimentID string, totalLogs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized[experimentID] = Finalization{
		ExperimentID: experimentID,
		TotalLogs:    totalLogs,
		Received:     len(s.logs[experimentID]),
	}
	return nil
}

// Logs returns a copy of the stored logs for an experiment
func (s *MemorySink) Logs(experimentID string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.logs[experimentID]...)
}

// Finalization returns the finalize record for an experiment, if any
func (s *MemorySink) Finalization(experimentID string) (Finalization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.finalized[experimentID]
	return f, ok
}
