package engine

import (
	"errors"
	"log"
)

// Sink is durable storage for persisted samples. The engine only writes.
type Sink interface {
	Insert(s FusedSample) error
}

// MultiSink writes every sample to each sink. The write counts as done when
// at least one sink accepts it; failures of the others are logged. An error
// is returned only when every sink failed.
type MultiSink []Sink

func (m MultiSink) Insert(s FusedSample) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Insert(s); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	if len(errs) < len(m) {
		for _, err := range errs {
			log.Printf("[engine] sink write failed: %v", err)
		}
		return nil
	}
	return errors.Join(errs...)
}
