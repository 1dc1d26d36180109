package admin

import "github.com/shirou/gopsutil/mem"

// hostTotalMemory answers the `memory` control command's host-level field,
// the same gopsutil reading package config uses to seed the watermark
// defaults.
func hostTotalMemory() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.Total
}
