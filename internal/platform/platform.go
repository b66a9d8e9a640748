// SPDX-License-Identifier: MIT

// Package platform detects the execution environment a pipeline runs on:
// whether accelerator hardware is present, which device to use, and the
// batching defaults that differ between server-class and embedded-class
// machines.
//
// Detection runs once per process; the verdict is cached because device
// probing touches the filesystem and environment and never changes
// while the process lives.
package platform

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// Class distinguishes the broad hardware tiers that drive batching
// defaults.
type Class int

const (
	ClassUnknown  Class = iota
	ClassServer         // x86-class machine, small batch timeout
	ClassEmbedded       // Embedded/SoC-class machine, large batch timeout
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassServer:
		return "server"
	case ClassEmbedded:
		return "embedded"
	default:
		return "unknown"
	}
}

// Batch timeouts by class: embedded boards accumulate batches far longer
// before giving up on late streams.
const (
	serverBatchTimeout   = 4 * time.Millisecond
	embeddedBatchTimeout = 40 * time.Millisecond
)

// Info is the cached detection result.
type Info struct {
	Class          Class
	HasAccelerator bool
	DeviceID       int
	AcceleratorEnv string // How the accelerator was detected, for logs
}

// BatchTimeout returns the stream-muxer batch timeout for the platform.
func (i Info) BatchTimeout() time.Duration {
	if i.Class == ClassEmbedded {
		return embeddedBatchTimeout
	}
	return serverBatchTimeout
}

var (
	probeOnce sync.Once
	probed    Info
)

// Detect returns the platform description, probing on first call and
// serving the cached verdict afterwards.
func Detect() Info {
	probeOnce.Do(func() {
		probed = probe()
	})
	return probed
}

// probe inspects environment variables and device nodes. The
// KESTREL_ACCEL and KESTREL_DEVICE_ID variables override detection for
// deployments where device nodes are namespaced away.
func probe() Info {
	info := Info{Class: detectClass()}

	if v := os.Getenv("KESTREL_ACCEL"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err == nil {
			info.HasAccelerator = enabled
			info.AcceleratorEnv = "KESTREL_ACCEL"
		}
	} else {
		for _, dev := range []string{"/dev/nvidia0", "/dev/accel/accel0", "/dev/dri/renderD128"} {
			if _, err := os.Stat(dev); err == nil {
				// Render nodes alone do not imply an inference accelerator;
				// only the dedicated nodes set the flag.
				if dev != "/dev/dri/renderD128" {
					info.HasAccelerator = true
					info.AcceleratorEnv = dev
				}
				break
			}
		}
	}

	if v := os.Getenv("KESTREL_DEVICE_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil && id >= 0 {
			info.DeviceID = id
		}
	}
	return info
}

// detectClass classifies the machine: SoC marker files first, then
// architecture.
func detectClass() Class {
	for _, marker := range []string{"/etc/nv_tegra_release", "/sys/module/tegra_fuse/parameters/tegra_chip_id"} {
		if _, err := os.Stat(marker); err == nil {
			return ClassEmbedded
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		return ClassServer
	case "arm", "arm64":
		return ClassEmbedded
	}
	return ClassUnknown
}
