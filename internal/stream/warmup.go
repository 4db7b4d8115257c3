package stream

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum FPS standard deviation as a fraction
	// of mean FPS. 30 FPS mean → stable if stddev < 4.5 FPS.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of the
	// expected inter-frame interval. 30 FPS (33ms) → stable if jitter < 6.6ms.
	jitterStabilityThreshold = 0.20
)

// WarmupStats contains frame rate statistics measured over the first
// seconds of capture.
type WarmupStats struct {
	FramesReceived int           // Number of frames observed
	Duration       time.Duration // Measurement window
	FPSMean        float64       // Mean FPS across all frames
	FPSStdDev      float64       // Standard deviation of instantaneous FPS
	FPSMin         float64       // Minimum instantaneous FPS
	FPSMax         float64       // Maximum instantaneous FPS
	IsStable       bool          // stddev < 15% of mean AND jitter < 20% of interval
	JitterMean     float64       // Average deviation from expected interval (seconds)
	JitterStdDev   float64       // Standard deviation of jitter (seconds)
	JitterMax      float64       // Maximum jitter observed (seconds)
}

// CalculateFPSStats calculates FPS statistics from frame timestamps.
//
// Stability requires both:
//   - FPS stddev < 15% of mean FPS
//   - mean jitter < 20% of the expected interval
func CalculateFPSStats(frameTimes []time.Time, totalDuration time.Duration) *WarmupStats {
	n := len(frameTimes)
	if n == 0 || totalDuration <= 0 {
		return &WarmupStats{FramesReceived: n, Duration: totalDuration}
	}

	fpsMean := float64(n) / totalDuration.Seconds()

	instantaneousFPS := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			instantaneousFPS = append(instantaneousFPS, 1.0/interval)
		}
	}

	if len(instantaneousFPS) == 0 {
		return &WarmupStats{
			FramesReceived: n,
			Duration:       totalDuration,
			FPSMean:        fpsMean,
		}
	}

	fpsMin := instantaneousFPS[0]
	fpsMax := instantaneousFPS[0]
	var sumSquares float64
	for _, fps := range instantaneousFPS {
		fpsMin = math.Min(fpsMin, fps)
		fpsMax = math.Max(fpsMax, fps)
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(instantaneousFPS)))

	expectedInterval := 1.0 / fpsMean

	jitters := make([]float64, 0, n-1)
	var jitterSum, jitterMax float64
	for i := 1; i < n; i++ {
		actual := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		j := math.Abs(actual - expectedInterval)
		jitters = append(jitters, j)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(len(jitters))

	var jitterSumSquares float64
	for _, j := range jitters {
		diff := j - jitterMean
		jitterSumSquares += diff * diff
	}
	jitterStdDev := math.Sqrt(jitterSumSquares / float64(len(jitters)))

	fpsStable := fpsStdDev < fpsMean*fpsStabilityThreshold
	jitterStable := jitterMean < expectedInterval*jitterStabilityThreshold

	return &WarmupStats{
		FramesReceived: n,
		Duration:       totalDuration,
		FPSMean:        fpsMean,
		FPSStdDev:      fpsStdDev,
		FPSMin:         fpsMin,
		FPSMax:         fpsMax,
		IsStable:       fpsStable && jitterStable,
		JitterMean:     jitterMean,
		JitterStdDev:   jitterStdDev,
		JitterMax:      jitterMax,
	}
}

// RateMonitor collects frame timestamps for a fixed window and computes
// WarmupStats once the window has elapsed. It never blocks the caller and
// is used from the capture loop only (not safe for concurrent use).
type RateMonitor struct {
	window time.Duration
	start  time.Time
	times  []time.Time
	done   bool
}

// NewRateMonitor creates a monitor for the given measurement window.
func NewRateMonitor(window time.Duration, declaredFPS int) *RateMonitor {
	capacity := 100
	if declaredFPS > 0 {
		capacity = int(window.Seconds()*float64(declaredFPS)) + 1
	}
	return &RateMonitor{
		window: window,
		times:  make([]time.Time, 0, capacity),
	}
}

// Observe records a frame timestamp. It returns the statistics exactly once,
// on the first observation after the window has elapsed.
func (m *RateMonitor) Observe(ts time.Time) (*WarmupStats, bool) {
	if m.done {
		return nil, false
	}
	if m.start.IsZero() {
		m.start = ts
	}

	elapsed := ts.Sub(m.start)
	if elapsed < m.window {
		m.times = append(m.times, ts)
		return nil, false
	}

	m.done = true
	stats := CalculateFPSStats(m.times, elapsed)
	m.times = nil
	return stats, true
}
