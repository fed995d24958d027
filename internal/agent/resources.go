package agent

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// ResourceSampler produces the resource snapshot sent with each
// heartbeat.
type ResourceSampler func() models.Resources

// SampleResources reads utilisation from /proc and statfs. Fields that
// cannot be read report zero; the coordinator treats zero as full
// headroom, which keeps a worker on an exotic platform allocatable.
func SampleResources() models.Resources {
	return models.Resources{
		CPUPercent:    sampleCPU(),
		MemoryPercent: sampleMemory(),
		DiskPercent:   sampleDisk("/"),
	}
}

// sampleCPU approximates utilisation from the one-minute load average
// normalised by core count. Good enough for allocation headroom; exact
// per-interval accounting would need two timed /proc/stat reads.
func sampleCPU() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	pct := load / float64(runtime.NumCPU()) * 100
	return clampPercent(pct)
}

func sampleMemory() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	var total, available float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0
	}
	return clampPercent((total - available) / total * 100)
}

func sampleDisk(path string) float64 {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0
	}
	total := float64(st.Blocks) * float64(st.Bsize)
	if total == 0 {
		return 0
	}
	free := float64(st.Bavail) * float64(st.Bsize)
	return clampPercent((total - free) / total * 100)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
