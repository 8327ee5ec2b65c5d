//go:build !linux

package lsf

import "errors"

var errUnsupported = errors.New("lsf: host sampling not supported on this platform")

func readRSSBytes() (uint64, error) { return 0, errUnsupported }

func gatherSystemUsage() (systemUsage, error) { return systemUsage{}, errUnsupported }
