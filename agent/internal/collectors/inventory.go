package collectors

import (
	"encoding/json"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/host"

	"fleetguard/agent/internal/buffer"
	"fleetguard/agent/internal/logger"
	"fleetguard/network"
)

// EventKindInventory tags inventory refreshes in the offline buffer.
const EventKindInventory = "inventory"

// HostInventory describes the machine for the asset register.
type HostInventory struct {
	Hostname        string   `json:"hostname"`
	OS              string   `json:"os"`
	Platform        string   `json:"platform"`
	PlatformVersion string   `json:"platformVersion"`
	KernelVersion   string   `json:"kernelVersion"`
	Arch            string   `json:"arch"`
	CPUCount        int      `json:"cpuCount"`
	IPAddresses     []string `json:"ipAddresses,omitempty"`
	AgentVersion    string   `json:"agentVersion"`
	CollectedAt     string   `json:"collectedAt"`
}

// Inventory refreshes the host inventory on a cron schedule and queues
// each refresh as a buffered event, so refreshes taken while offline
// still reach the server.
type Inventory struct {
	log  zerolog.Logger
	buf  *buffer.Buffer
	cron *cron.Cron
}

func NewInventory(buf *buffer.Buffer) *Inventory {
	return &Inventory{log: logger.C("inventory"), buf: buf}
}

// Start schedules refreshes and takes an immediate baseline snapshot.
func (i *Inventory) Start(schedule string) error {
	i.Refresh()

	c := cron.New()
	if _, err := c.AddFunc(schedule, i.Refresh); err != nil {
		return err
	}
	c.Start()
	i.cron = c
	i.log.Info().Str("schedule", schedule).Msg("inventory refresh scheduled")
	return nil
}

func (i *Inventory) Stop() {
	if i.cron != nil {
		i.cron.Stop()
	}
}

// Refresh collects the inventory and enqueues it.
func (i *Inventory) Refresh() {
	inv := Collect()
	raw, err := json.Marshal(inv)
	if err != nil {
		i.log.Error().Err(err).Msg("failed to encode inventory")
		return
	}
	ev := i.buf.Enqueue(EventKindInventory, raw)
	i.log.Debug().Uint64("seq", ev.Seq).Msg("inventory refreshed")
}

// Collect gathers the current host inventory.
func Collect() HostInventory {
	inv := HostInventory{
		AgentVersion: network.AgentVersion,
		CollectedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	inv.Hostname, _ = os.Hostname()

	if info, err := host.Info(); err == nil {
		inv.OS = info.OS
		inv.Platform = info.Platform
		inv.PlatformVersion = info.PlatformVersion
		inv.KernelVersion = info.KernelVersion
	}
	inv.Arch = runtime.GOARCH
	inv.CPUCount = runtime.NumCPU()

	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			inv.IPAddresses = append(inv.IPAddresses, ipNet.IP.String())
		}
	}
	return inv
}
