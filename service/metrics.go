package service

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Phase names accepted by MetricsCollector.
const (
	PhaseKeyGeneration  = "keygen"
	PhaseBallot         = "ballot"
	PhaseTally          = "tally"
	PhaseReconstruction = "reconstruction"
	PhaseDecryption     = "decryption"
)

var phases = []string{PhaseKeyGeneration, PhaseBallot, PhaseTally, PhaseReconstruction, PhaseDecryption}

type phaseCounters struct {
	startTime time.Time
	endTime   time.Time
	count     int
	failures  int
	totalTime time.Duration
	lastTime  time.Duration
}

// MetricsCollector tracks timing for each protocol phase
type MetricsCollector struct {
	mu     sync.RWMutex
	phases map[string]*phaseCounters
	logger zerolog.Logger
}

// OperationMetrics contains timing information for an operation
type OperationMetrics struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Count          int       `json:"count"`
	Failures       int       `json:"failures"`
	ProcessingTime int64     `json:"processing_time_ms"`
	LastTime       int64     `json:"last_time_ms"`
}

// MetricsResponse provides the metrics for all phases
type MetricsResponse struct {
	KeyGeneration  OperationMetrics `json:"keygen"`
	Ballots        OperationMetrics `json:"ballot"`
	Tally          OperationMetrics `json:"tally"`
	Reconstruction OperationMetrics `json:"reconstruction"`
	Decryption     OperationMetrics `json:"decryption"`
}

func NewMetricsCollector(logger zerolog.Logger) *MetricsCollector {
	mc := &MetricsCollector{
		phases: make(map[string]*phaseCounters, len(phases)),
		logger: logger.With().Str("component", "metrics").Logger(),
	}
	for _, p := range phases {
		mc.phases[p] = &phaseCounters{}
	}
	return mc
}

// Start returns a function that records the phase's duration and outcome
// when called with the operation's error.
func (mc *MetricsCollector) Start(phase string) func(err error) {
	started := time.Now()
	return func(err error) {
		mc.Record(phase, started, time.Since(started), err)
	}
}

// Record adds one operation to the phase totals.
func (mc *MetricsCollector) Record(phase string, started time.Time, duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	pc, ok := mc.phases[phase]
	if !ok {
		mc.logger.Warn().Str("phase", phase).Msg("unknown metrics phase")
		return
	}
	if pc.count == 0 && pc.failures == 0 {
		pc.startTime = started
	}
	pc.endTime = started.Add(duration)
	if err != nil {
		pc.failures++
	} else {
		pc.count++
		pc.totalTime += duration
		pc.lastTime = duration
	}

	mc.logger.Debug().
		Str("phase", phase).
		Dur("duration", duration).
		Bool("failed", err != nil).
		Msg("operation recorded")
}

// GetMetrics returns current metrics for all phases
func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	return MetricsResponse{
		KeyGeneration:  mc.GetPhaseMetrics(PhaseKeyGeneration),
		Ballots:        mc.GetPhaseMetrics(PhaseBallot),
		Tally:          mc.GetPhaseMetrics(PhaseTally),
		Reconstruction: mc.GetPhaseMetrics(PhaseReconstruction),
		Decryption:     mc.GetPhaseMetrics(PhaseDecryption),
	}
}

// GetPhaseMetrics returns metrics for a specific phase; unknown phases are zero.
func (mc *MetricsCollector) GetPhaseMetrics(phase string) OperationMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	pc, ok := mc.phases[phase]
	if !ok {
		return OperationMetrics{}
	}
	return OperationMetrics{
		StartTime:      pc.startTime,
		EndTime:        pc.endTime,
		Count:          pc.count,
		Failures:       pc.failures,
		ProcessingTime: pc.totalTime.Milliseconds(),
		LastTime:       pc.lastTime.Milliseconds(),
	}
}

// Reset clears all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for _, p := range phases {
		mc.phases[p] = &phaseCounters{}
	}
}
