package goroutine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/veil-labs/veil/internal/shared/logger"
)

func TestRecover_ContainsPanic(t *testing.T) {
	log := logger.NewLogger()

	assert.NotPanics(t, func() {
		defer Recover(log, "exploding-task")
		panic("boom")
	})
}

func TestSafeGo_RunsAndSurvivesPanic(t *testing.T) {
	log := logger.NewLogger()

	done := make(chan struct{})
	SafeGo(log, "panicking-task", func() {
		defer close(done)
		panic("boom")
	})
	<-done

	ran := make(chan struct{})
	SafeGo(log, "quiet-task", func() { close(ran) })
	<-ran
}
