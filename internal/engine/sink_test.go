package engine

import (
	"errors"
	"strings"
	"testing"
)

func TestMultiSink(t *testing.T) {
	t.Run("one sink fails", func(t *testing.T) {
		good := &recordSink{}
		m := MultiSink{good, &recordSink{err: errors.New("broker unreachable")}}
		if err := m.Insert(FusedSample{Cycle: 1}); err != nil {
			t.Fatalf("Insert = %v, want nil when one sink accepted", err)
		}
		if good.count() != 1 {
			t.Errorf("good sink rows = %d, want 1", good.count())
		}
	})

	t.Run("all sinks fail", func(t *testing.T) {
		m := MultiSink{
			&recordSink{err: errors.New("disk full")},
			&recordSink{err: errors.New("broker unreachable")},
		}
		err := m.Insert(FusedSample{})
		if err == nil || !strings.Contains(err.Error(), "disk full") || !strings.Contains(err.Error(), "broker unreachable") {
			t.Fatalf("Insert = %v, want both failures", err)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if err := (MultiSink{}).Insert(FusedSample{}); err != nil {
			t.Errorf("Insert = %v", err)
		}
	})
}
