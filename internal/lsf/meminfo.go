package lsf

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

type systemUsage struct {
	memoryPercent float64
	load1         float64
	load5         float64
	load15        float64
}

type meminfo struct {
	totalBytes              uint64
	availableBytes          uint64
	includesReclaimableData bool
}

func parseMeminfo(r io.Reader) (meminfo, error) {
	scanner := bufio.NewScanner(r)
	fields := make(map[string]uint64)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		value, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}
		fields[strings.TrimSuffix(parts[0], ":")] = value
	}
	if err := scanner.Err(); err != nil {
		return meminfo{}, err
	}
	totalKB, ok := fields["MemTotal"]
	if !ok || totalKB == 0 {
		return meminfo{}, errors.New("meminfo missing MemTotal")
	}
	totalBytes := totalKB * 1024
	if availKB, ok := fields["MemAvailable"]; ok && availKB > 0 {
		return meminfo{
			totalBytes:              totalBytes,
			availableBytes:          min(availKB*1024, totalBytes),
			includesReclaimableData: true,
		}, nil
	}

	buffersKB := fields["Buffers"]
	cachedKB := fields["Cached"]
	sreclaimableKB := fields["SReclaimable"]
	availableKB := int64(fields["MemFree"]) + int64(buffersKB) + int64(cachedKB) + int64(sreclaimableKB) - int64(fields["Shmem"])
	if availableKB < 0 {
		availableKB = 0
	}
	return meminfo{
		totalBytes:              totalBytes,
		availableBytes:          min(uint64(availableKB)*1024, totalBytes),
		includesReclaimableData: buffersKB > 0 || cachedKB > 0 || sreclaimableKB > 0,
	}, nil
}

func parseStatm(line string, pageSize int) (uint64, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, errors.New("unexpected statm contents")
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return pages * uint64(pageSize), nil
}
