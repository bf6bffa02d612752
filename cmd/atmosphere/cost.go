package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/shurlinet/atmosphere/pkg/mesh"
)

// hostCostSampler reads real CPU and memory pressure from the host via
// gopsutil. Battery/AC state has no equivalent cross-platform library
// in the examples this module was built from, so it's read directly
// from Linux's /sys/class/power_supply where present and defaults to
// "plugged in, no battery" elsewhere (e.g. containers, non-Linux).
// Plugged in is the lowest-cost power state, so a battery-powered host
// whose power supply cannot be read is reported as cheaper than it is.
type hostCostSampler struct {
	networkMetered bool
}

func (s hostCostSampler) Sample() (mesh.CostSample, error) {
	cpuLoad := 0.0
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuLoad = pcts[0] / 100.0
	}

	memPercent := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}

	pluggedIn, batteryPercent := readLinuxBattery()

	return mesh.CostSample{
		PluggedIn:      pluggedIn,
		BatteryPercent: batteryPercent,
		CPULoad:        cpuLoad,
		MemoryPercent:  memPercent,
		NetworkMetered: s.networkMetered,
	}, nil
}

// readLinuxBattery reports whether mains power is connected and the
// first battery's charge, reading /sys/class/power_supply directly.
// Returns (true, 100) when no battery is present or the directory
// cannot be read, which is correct for desktops, servers, and
// containers.
func readLinuxBattery() (pluggedIn bool, percent float64) {
	entries, err := os.ReadDir("/sys/class/power_supply")
	if err != nil {
		return true, 100
	}

	pluggedIn = true
	percent = 100
	sawBattery := false

	for _, e := range entries {
		name := e.Name()
		base := "/sys/class/power_supply/" + name
		switch {
		case strings.HasPrefix(name, "AC") || strings.HasPrefix(name, "ADP"):
			if online, err := readIntFile(base + "/online"); err == nil {
				pluggedIn = online != 0
			}
		case strings.HasPrefix(name, "BAT"):
			sawBattery = true
			if cap, err := readIntFile(base + "/capacity"); err == nil {
				percent = float64(cap)
			}
			if status, err := os.ReadFile(base + "/status"); err == nil {
				s := strings.TrimSpace(string(status))
				if s == "Discharging" {
					pluggedIn = false
				}
			}
		}
	}

	if !sawBattery {
		return true, 100
	}
	return pluggedIn, percent
}

func readIntFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
