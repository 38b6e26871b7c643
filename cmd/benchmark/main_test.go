package main

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	lat := []time.Duration{3 * time.Millisecond, time.Millisecond, 2 * time.Millisecond, 10 * time.Millisecond}
	res := summarize(4, 3, time.Second, lat)

	assert.Equal(t, 1, res.FailedOps)
	assert.Equal(t, time.Millisecond, res.MinLatency)
	assert.Equal(t, 10*time.Millisecond, res.MaxLatency)
	assert.Equal(t, 4*time.Millisecond, res.AvgLatency)
	assert.InDelta(t, 3.0, res.OpsPerSec, 1e-9)
}

func TestBenchmark_SpreadsOperations(t *testing.T) {
	var calls atomic.Int64
	res := benchmark(10, 3, func(worker, i int) error {
		calls.Add(1)
		if worker == 0 && i == 0 {
			return errors.New("boom")
		}
		return nil
	})

	assert.EqualValues(t, 10, calls.Load())
	assert.Equal(t, 9, res.SuccessfulOps)
	assert.Equal(t, 1, res.FailedOps)
}
