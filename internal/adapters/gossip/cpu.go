package gossip

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

// CPUSampler returns the current CPU usage of the host in percent.
type CPUSampler func() (int, error)

const cpuSampleTimeout = time.Second

// NewHostCPUSampler reports host-wide usage since the previous call.
func NewHostCPUSampler() CPUSampler {
	return func() (int, error) {
		ctx, cancel := context.WithTimeout(context.Background(), cpuSampleTimeout)
		defer cancel()

		percents, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return 0, err
		}
		if len(percents) == 0 {
			return 0, errors.New("cpu usage not reported")
		}
		return clampPercent(percents[0]), nil
	}
}

func clampPercent(value float64) int {
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	usage := int(math.Round(value))
	if usage > 100 {
		return 100
	}
	return usage
}
