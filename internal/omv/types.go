package omv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Number decodes the appliance's loosely typed numeric fields, which
// arrive as JSON numbers or as decimal strings depending on the RPC
// and version. Empty strings and null decode to zero.
type Number float64

// UnmarshalJSON implements [json.Unmarshaler].
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("number %q: %w", s, err)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// Float64 returns n as a float64.
func (n Number) Float64() float64 { return float64(n) }

// Uint64 returns n truncated to an unsigned integer; negative values
// become zero.
func (n Number) Uint64() uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// Service is one entry of Services.getStatus.
type Service struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
}

// LoadAverage holds the 1, 5 and 15 minute load averages.
type LoadAverage struct {
	One     Number `json:"1min"`
	Five    Number `json:"5min"`
	Fifteen Number `json:"15min"`
}

// SystemInfo is the response of System.getInformation.
type SystemInfo struct {
	Hostname            string      `json:"hostname"`
	Version             string      `json:"version"`
	CPUModelName        string      `json:"cpuModelName"`
	Kernel              string      `json:"kernel"`
	Uptime              Number      `json:"uptime"`
	LoadAverage         LoadAverage `json:"loadAverage"`
	MemTotal            Number      `json:"memTotal"`
	MemUsed             Number      `json:"memUsed"`
	MemAvailable        Number      `json:"memAvailable"`
	ConfigDirty         bool        `json:"configDirty"`
	RebootRequired      bool        `json:"rebootRequired"`
	PkgUpdatesAvailable bool        `json:"pkgUpdatesAvailable"`
}

// MemoryPercent returns used memory as a percentage of the total.
func (s *SystemInfo) MemoryPercent() float64 {
	if s.MemTotal <= 0 {
		return 0
	}
	used := s.MemUsed
	if used <= 0 && s.MemAvailable > 0 {
		used = s.MemTotal - s.MemAvailable
	}
	return float64(used) / float64(s.MemTotal) * 100
}

// NetworkStats carries the cumulative interface counters.
type NetworkStats struct {
	RxPackets Number `json:"rx_packets"`
	TxPackets Number `json:"tx_packets"`
	RxBytes   Number `json:"rx_bytes"`
	TxBytes   Number `json:"tx_bytes"`
}

// NetworkDevice is one entry of Network.enumerateDevicesList.
type NetworkDevice struct {
	DeviceName string       `json:"devicename"`
	Type       string       `json:"type"`
	Method     string       `json:"method"`
	Address    string       `json:"address"`
	Netmask    string       `json:"netmask"`
	Gateway    string       `json:"gateway"`
	Address6   string       `json:"address6"`
	Gateway6   string       `json:"gateway6"`
	MAC        string       `json:"ether"`
	MTU        Number       `json:"mtu"`
	Speed      Number       `json:"speed"`
	Link       bool         `json:"link"`
	WOL        bool         `json:"wol"`
	SSID       string       `json:"wpassid"`
	Stats      NetworkStats `json:"stats"`
}

// IsWireless reports whether the device is a wifi interface.
func (d NetworkDevice) IsWireless() bool {
	switch strings.ToLower(d.Type) {
	case "wifi", "wireless", "wlan":
		return true
	}
	return false
}

// Disk is one entry of DiskMgmt.enumerateDevices.
type Disk struct {
	DeviceName   string `json:"devicename"`
	DeviceFile   string `json:"devicefile"`
	Model        string `json:"model"`
	Vendor       string `json:"vendor"`
	SerialNumber string `json:"serialnumber"`
	Size         Number `json:"size"`
	IsRoot       bool   `json:"isroot"`
}

// SmartDevice is one entry of Smart.getList.
type SmartDevice struct {
	DeviceName    string `json:"devicename"`
	DeviceFile    string `json:"devicefile"`
	Model         string `json:"model"`
	Temperature   Number `json:"temperature"`
	OverallStatus string `json:"overallstatus"`
	Monitor       bool   `json:"monitor"`
}

// Filesystem is one entry of FileSystemMgmt.enumerateFilesystems.
type Filesystem struct {
	UUID             string `json:"uuid"`
	DeviceFile       string `json:"devicefile"`
	ParentDeviceFile string `json:"parentdevicefile"`
	Label            string `json:"label"`
	Type             string `json:"type"`
	MountPoint       string `json:"mountpoint"`
	Mounted          bool   `json:"mounted"`
	Size             Number `json:"size"`
	Available        Number `json:"available"`
	Percentage       Number `json:"percentage"`
}

// Used returns size minus available, never negative.
func (f Filesystem) Used() uint64 {
	size, avail := f.Size.Uint64(), f.Available.Uint64()
	if avail >= size {
		return 0
	}
	return size - avail
}

// Name returns a stable name for the filesystem: its label, else the
// last element of its device file.
func (f Filesystem) Name() string {
	if f.Label != "" {
		return f.Label
	}
	if i := strings.LastIndex(f.DeviceFile, "/"); i >= 0 {
		return f.DeviceFile[i+1:]
	}
	return f.DeviceFile
}
