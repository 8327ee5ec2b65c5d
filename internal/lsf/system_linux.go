//go:build linux

package lsf

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func readRSSBytes() (uint64, error) {
	raw, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	return parseStatm(string(raw), os.Getpagesize())
}

func readMeminfo() (meminfo, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return meminfo{}, err
	}
	defer f.Close()
	return parseMeminfo(f)
}

func gatherSystemUsage() (systemUsage, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return systemUsage{}, err
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	totalRAM := uint64(si.Totalram) * unit
	if totalRAM == 0 {
		return systemUsage{}, errors.New("sysinfo: totalram reported as zero")
	}
	available := min(uint64(si.Freeram)*unit+uint64(si.Bufferram)*unit, totalRAM)
	if mi, err := readMeminfo(); err == nil && mi.totalBytes > 0 && mi.availableBytes > 0 {
		totalRAM = mi.totalBytes
		available = min(mi.availableBytes, totalRAM)
	}
	used := 1 - float64(available)/float64(totalRAM)
	used = max(0, min(used, 1))

	const loadScale = 65536.0
	return systemUsage{
		memoryPercent: used * 100,
		load1:         float64(si.Loads[0]) / loadScale,
		load5:         float64(si.Loads[1]) / loadScale,
		load15:        float64(si.Loads[2]) / loadScale,
	}, nil
}
