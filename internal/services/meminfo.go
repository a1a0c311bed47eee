package services

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MemoryReader reports the memory the host can still hand out.
type MemoryReader interface {
	AvailableBytes() (uint64, error)
}

// MemInfoReader reads MemAvailable from /proc/meminfo.
type MemInfoReader struct {
	Path string
}

func NewMemInfoReader() *MemInfoReader {
	return &MemInfoReader{Path: "/proc/meminfo"}
}

func (r *MemInfoReader) AvailableBytes() (uint64, error) {
	file, err := os.Open(r.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", r.Path, err)
	}
	defer file.Close()

	// Lines look like "MemAvailable:   16203456 kB".
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemAvailable:" {
			continue
		}

		value, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid MemAvailable value %q: %w", fields[1], err)
		}
		if len(fields) >= 3 && fields[2] == "kB" {
			value *= 1024
		}
		return value, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", r.Path, err)
	}

	return 0, fmt.Errorf("MemAvailable not found in %s", r.Path)
}
