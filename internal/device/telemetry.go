package device

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SMITelemetry reads device state from the nvidia-smi CLI. Absent or
// failing tooling yields an empty snapshot rather than an error surface
// the callers would have to special-case.
type SMITelemetry struct {
	Binary string
}

func NewSMITelemetry() *SMITelemetry {
	return &SMITelemetry{Binary: "nvidia-smi"}
}

const smiQuery = "index,name,utilization.gpu,memory.used,memory.total,temperature.gpu"

func (t *SMITelemetry) Snapshot(ctx context.Context) ([]Stat, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, t.Binary,
		"--query-gpu="+smiQuery, "--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, nil
	}

	var stats []Stat
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) != 6 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		stats = append(stats, Stat{
			Index:       idx,
			Name:        fields[1],
			Utilization: fields[2] + "%",
			MemoryUsed:  fields[3] + " MiB",
			MemoryTotal: fields[4] + " MiB",
			Temperature: fields[5] + "C",
		})
	}
	return stats, nil
}
