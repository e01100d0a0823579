package main

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

// TestProgressReporter verifies bars are replaced per pass and that render
// failures are logged at debug level
func TestProgressReporter(t *testing.T) {
	t.Run("Passes", func(t *testing.T) {
		logger, hook := test.NewNullLogger()
		r := &progressReporter{writer: io.Discard, logger: logger}

		r.update(1, 4, "E-step")
		first := r.bar
		r.update(2, 4, "E-step")
		if r.bar != first {
			t.Error("Expected the bar to be reused within a pass")
		}
		r.update(1, 8, "M-step")
		if r.bar == first || r.message != "M-step" || r.total != 8 {
			t.Errorf("Expected a new bar for M-step, got message %q total %d", r.message, r.total)
		}
		if len(hook.Entries) != 0 {
			t.Errorf("Expected no log entries, got %d", len(hook.Entries))
		}
	})

	t.Run("WriteFailure", func(t *testing.T) {
		logger, hook := test.NewNullLogger()
		logger.SetLevel(logrus.DebugLevel)
		r := &progressReporter{writer: failingWriter{}, logger: logger}

		r.update(1, 4, "E-step")
		entry := hook.LastEntry()
		if entry == nil {
			t.Fatal("Expected a debug entry for the failed update, got none")
		}
		if entry.Level != logrus.DebugLevel {
			t.Errorf("Expected debug level, got %v", entry.Level)
		}
		if _, ok := entry.Data[logrus.ErrorKey]; !ok {
			t.Error("Expected the error to be attached to the entry")
		}
	})
}
