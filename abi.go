package sof

import (
	"fmt"
	"syscall"

	"k8s.io/klog/v2"
)

// ABI version layout: major<<24 | minor<<12 | patch.
const (
	SOF_ABI_MAJOR_SHIFT = 24
	SOF_ABI_MAJOR_MASK  = 0xff
	SOF_ABI_MINOR_SHIFT = 12
	SOF_ABI_MINOR_MASK  = 0xfff
	SOF_ABI_PATCH_SHIFT = 0
	SOF_ABI_PATCH_MASK  = 0xfff
)

// Host ABI version.
const (
	SOF_ABI_MAJOR = 3
	SOF_ABI_MINOR = 17
	SOF_ABI_PATCH = 0
)

// SOF_ABI_VERSION is the ABI version implemented by this package.
var SOF_ABI_VERSION = AbiVersion(SOF_ABI_MAJOR, SOF_ABI_MINOR, SOF_ABI_PATCH)

// abiChunkedControls is the first ABI that accepts chunked control transfers.
var abiChunkedControls = AbiVersion(3, 3, 0)

// AbiVersion packs a version triple.
func AbiVersion(major, minor, patch uint32) uint32 {
	return (major&SOF_ABI_MAJOR_MASK)<<SOF_ABI_MAJOR_SHIFT |
		(minor&SOF_ABI_MINOR_MASK)<<SOF_ABI_MINOR_SHIFT |
		(patch&SOF_ABI_PATCH_MASK)<<SOF_ABI_PATCH_SHIFT
}

// AbiMajor returns the major part of a packed version.
func AbiMajor(v uint32) uint32 {
	return (v >> SOF_ABI_MAJOR_SHIFT) & SOF_ABI_MAJOR_MASK
}

// AbiMinor returns the minor part of a packed version.
func AbiMinor(v uint32) uint32 {
	return (v >> SOF_ABI_MINOR_SHIFT) & SOF_ABI_MINOR_MASK
}

// AbiPatch returns the patch part of a packed version.
func AbiPatch(v uint32) uint32 {
	return (v >> SOF_ABI_PATCH_SHIFT) & SOF_ABI_PATCH_MASK
}

// AbiString formats a packed version as "major:minor:patch".
func AbiString(v uint32) string {
	return fmt.Sprintf("%d:%d:%d", AbiMajor(v), AbiMinor(v), AbiPatch(v))
}

// AbiIncompatible reports whether two versions cannot talk to each other.
// Only the major number breaks compatibility.
func AbiIncompatible(host, fw uint32) bool {
	return AbiMajor(host) != AbiMajor(fw)
}

// FwVersion is the decoded firmware identification.
type FwVersion struct {
	Major      uint16
	Minor      uint16
	Micro      uint16
	Build      uint16
	Date       string
	Time       string
	Tag        string
	AbiVersion uint32
	SrcHash    uint32
}

// String returns the firmware version as "major:minor:micro-tag".
func (v FwVersion) String() string {
	return fmt.Sprintf("%d:%d:%d-%s", v.Major, v.Minor, v.Micro, v.Tag)
}

func newFwVersion(v *IpcFwVersion) FwVersion {
	return FwVersion{
		Major:      v.Major,
		Minor:      v.Minor,
		Micro:      v.Micro,
		Build:      v.Build,
		Date:       cString(v.Date[:]),
		Time:       cString(v.Time[:]),
		Tag:        cString(v.Tag[:]),
		AbiVersion: v.AbiVersion,
		SrcHash:    v.SrcHash,
	}
}

// validateFwReady checks a firmware ready message against the host ABI.
func validateFwReady(logger klog.Logger, ready *IpcFwReady, strict bool) (FwVersion, error) {
	v := newFwVersion(&ready.Version)

	logger.Info("Firmware info", "version", v.String())
	logger.Info("Firmware ABI", "fw", AbiString(v.AbiVersion), "host", AbiString(SOF_ABI_VERSION))

	if AbiIncompatible(SOF_ABI_VERSION, v.AbiVersion) {
		return v, fmt.Errorf("incompatible FW ABI version %s: %w", AbiString(v.AbiVersion), syscall.EINVAL)
	}

	if v.AbiVersion > SOF_ABI_VERSION {
		if strict {
			return v, fmt.Errorf("FW ABI %s is more recent than host: %w", AbiString(v.AbiVersion), syscall.EINVAL)
		}

		logger.Info("Warning: FW ABI is more recent than host", "fw", AbiString(v.AbiVersion))
	}

	if ready.Flags&SOF_IPC_INFO_BUILD != 0 {
		logger.Info("Firmware debug build",
			"build", v.Build, "date", v.Date, "time", v.Time,
			"gdb", enabled(ready.Flags&SOF_IPC_INFO_GDB != 0),
			"lockDebug", enabled(ready.Flags&SOF_IPC_INFO_LOCKS != 0),
			"lockVdebug", enabled(ready.Flags&SOF_IPC_INFO_LOCKSV != 0))
	}

	return v, nil
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}

	return "disabled"
}
