package domain

// Listener is the contract between the sync engine and whatever presents it.
// The engine never talks to a rendering layer directly; it reports through
// these callbacks and the presenter re-reads the store.
//
// Implementations must be cheap and non-blocking: callbacks fire from inside
// engine goroutines.
type Listener interface {
	// ItemsChanged fires after any store mutation that can affect the
	// visible list (merge, eviction, optimistic mutation, rollback).
	ItemsChanged()

	// JobProgress fires for every progress event of a watched ingestion job.
	JobProgress(p JobProgress)

	// MutationFailed fires after an optimistic mutation was rolled back.
	MutationFailed(op string, err error)
}

// NopListener discards all events. Useful as a default and in tests.
type NopListener struct{}

func (NopListener) ItemsChanged()                {}
func (NopListener) JobProgress(JobProgress)      {}
func (NopListener) MutationFailed(string, error) {}

var _ Listener = NopListener{}
