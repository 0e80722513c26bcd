package platform

import (
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// DetectMemoryLimit returns the memory limit (bytes) this process is
// confined to, preferring the cgroup limit over the host's total memory.
func DetectMemoryLimit() (int64, error) {
	if limit, err := readCgroupMemoryLimit(); err == nil && limit > 0 {
		return limit, nil
	}
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return int64(vmem.Total), nil
}

func readCgroupMemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		s := strings.TrimSpace(string(data))
		if s == "max" {
			return 0, nil
		}
		return strconv.ParseInt(s, 10, 64)
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	return 0, os.ErrNotExist
}

// ProcessRSS returns the current process's resident set size in bytes, used
// by the resource guard to track live memory usage against MemoryLimit.
func ProcessRSS() (int64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return int64(info.RSS), nil
}
