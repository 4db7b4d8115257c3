package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BorisBojanov/ReplaySystem/internal/types"
)

// DeviceInfo is the probe result for one device index.
type DeviceInfo struct {
	Index     int
	Available bool
	Metadata  types.StreamMetadata
	Err       error
}

// String returns a one-line description suitable for CLI output.
func (d DeviceInfo) String() string {
	if !d.Available {
		return fmt.Sprintf("device %d: not available", d.Index)
	}
	return fmt.Sprintf("device %d: available (%s, %s)", d.Index, d.Metadata, d.Metadata.Backend)
}

// ProbeDevices tries to open every index in [0, maxIndex) and reports which
// ones work. Each source is closed before the next index is tried.
func ProbeDevices(ctx context.Context, open Opener, maxIndex int) []DeviceInfo {
	results := make([]DeviceInfo, 0, maxIndex)

	for i := 0; i < maxIndex; i++ {
		if ctx.Err() != nil {
			break
		}

		src := open(i)
		meta, err := src.Open(ctx)
		if closeErr := src.Close(); closeErr != nil {
			slog.Debug("stream: probe close failed", "index", i, "error", closeErr)
		}

		info := DeviceInfo{Index: i, Available: err == nil, Metadata: meta, Err: err}
		results = append(results, info)

		slog.Debug("stream: probed device",
			"index", i,
			"available", info.Available,
			"error", err,
		)
	}

	return results
}

// ParseFrameRate converts a caps framerate string to integer FPS.
// Examples: "30/1" → 30, "6/1" → 6, "30000/1001" → 29, "25" → 25.
func ParseFrameRate(framerate string) int {
	var numerator, denominator int

	if _, err := fmt.Sscanf(framerate, "%d/%d", &numerator, &denominator); err == nil {
		if denominator > 0 {
			return numerator / denominator
		}
		return 0
	}

	var fps int
	if _, err := fmt.Sscanf(framerate, "%d", &fps); err == nil {
		return fps
	}

	return 0
}
