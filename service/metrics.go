package service

import (
	"sync"
	"time"
)

// MetricsCollector tracks timings and counts of cast, close and tally operations.
type MetricsCollector struct {
	mu sync.RWMutex
	metricsState
}

type metricsState struct {
	castStartTime time.Time
	castEndTime   time.Time
	castCount     int
	castRejected  int
	castTotalTime time.Duration

	closeCount  int
	quorumFails int

	tallyStartTime      time.Time
	tallyEndTime        time.Time
	tallyCount          int
	tallyProcessingTime time.Duration
	ballotsCounted      int
	ballotsExcluded     int
}

// OperationMetrics contains timing information for an operation
type OperationMetrics struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Count          int       `json:"count"`
	Failed         int       `json:"failed"`
	ProcessingTime int64     `json:"processing_time_ms"`
}

// MetricsResponse provides the metrics for all operations
type MetricsResponse struct {
	Cast            OperationMetrics `json:"cast"`
	Close           OperationMetrics `json:"close"`
	Tally           OperationMetrics `json:"tally"`
	BallotsCounted  int              `json:"ballots_counted"`
	BallotsExcluded int              `json:"ballots_excluded"`
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordCast records one cast attempt.
func (mc *MetricsCollector) RecordCast(started time.Time, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.castCount+mc.castRejected == 0 {
		mc.castStartTime = started
	}
	if err != nil {
		mc.castRejected++
	} else {
		mc.castCount++
	}
	mc.castEndTime = time.Now()
	mc.castTotalTime += mc.castEndTime.Sub(started)
}

// RecordClose records a close attempt and whether quorum failed.
func (mc *MetricsCollector) RecordClose(quorumMet bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.closeCount++
	if !quorumMet {
		mc.quorumFails++
	}
}

// RecordTally records a finished tally.
func (mc *MetricsCollector) RecordTally(started time.Time, counted, excluded int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.tallyStartTime = started
	mc.tallyEndTime = time.Now()
	mc.tallyCount++
	mc.tallyProcessingTime += mc.tallyEndTime.Sub(started)
	mc.ballotsCounted += counted
	mc.ballotsExcluded += excluded
}

// GetMetrics returns current metrics for all operations
func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return MetricsResponse{
		Cast: OperationMetrics{
			StartTime:      mc.castStartTime,
			EndTime:        mc.castEndTime,
			Count:          mc.castCount,
			Failed:         mc.castRejected,
			ProcessingTime: mc.castTotalTime.Milliseconds(),
		},
		Close: OperationMetrics{
			Count:  mc.closeCount,
			Failed: mc.quorumFails,
		},
		Tally: OperationMetrics{
			StartTime:      mc.tallyStartTime,
			EndTime:        mc.tallyEndTime,
			Count:          mc.tallyCount,
			ProcessingTime: mc.tallyProcessingTime.Milliseconds(),
		},
		BallotsCounted:  mc.ballotsCounted,
		BallotsExcluded: mc.ballotsExcluded,
	}
}

// Reset clears all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metricsState = metricsState{}
}
