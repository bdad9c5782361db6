package health

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MemoryUsage returns the fraction of system memory in use, derived from
// /proc/meminfo (MemTotal vs MemAvailable).
func MemoryUsage() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("failed to open meminfo: %w", err)
	}
	defer f.Close()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoKB(line)
		}
		if total > 0 && available > 0 {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read meminfo: %w", err)
	}
	if total == 0 {
		return 0, fmt.Errorf("meminfo: MemTotal not found")
	}
	return 1 - float64(available)/float64(total), nil
}

func parseMeminfoKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
