package omv

import (
	"context"
	"encoding/json"
	"fmt"
)

// listParams is the paging argument every list RPC accepts; -1 means
// no limit.
var listParams = map[string]int{"limit": -1, "start": 0}

// powerParams asks for the power action to run immediately.
var powerParams = map[string]int{"delay": 0}

// decodeList accepts both list shapes the appliance uses: a bare JSON
// array and a {"total": n, "data": [...]} envelope.
func decodeList[T any](service, method string, raw json.RawMessage) ([]T, error) {
	var items []T
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}
	var envelope struct {
		Data []T `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &DecodeError{Service: service, Method: method, Err: err}
	}
	return envelope.Data, nil
}

// ServiceStatus returns every service and whether it is enabled and
// running.
func (c *Client) ServiceStatus(ctx context.Context) ([]Service, error) {
	raw, err := c.Call(ctx, "Services", "getStatus", listParams, true)
	if err != nil {
		return nil, err
	}
	return decodeList[Service]("Services", "getStatus", raw)
}

// SystemInformation returns host, version, load and memory details.
func (c *Client) SystemInformation(ctx context.Context) (*SystemInfo, error) {
	raw, err := c.Call(ctx, "System", "getInformation", nil, true)
	if err != nil {
		return nil, err
	}
	var info SystemInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, &DecodeError{Service: "System", Method: "getInformation", Err: err}
	}
	return &info, nil
}

// CPUTemperature returns the CPU temperature in degrees Celsius. The
// plugin answers either a bare number or {"cputemp": n}.
func (c *Client) CPUTemperature(ctx context.Context) (float64, error) {
	raw, err := c.Call(ctx, "CpuTemp", "get", nil, true)
	if err != nil {
		return 0, err
	}
	var n Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.Float64(), nil
	}
	var obj struct {
		CPUTemp Number `json:"cputemp"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, &DecodeError{Service: "CpuTemp", Method: "get", Err: err}
	}
	return obj.CPUTemp.Float64(), nil
}

// NetworkDevices returns every configured network interface with its
// counters.
func (c *Client) NetworkDevices(ctx context.Context) ([]NetworkDevice, error) {
	raw, err := c.Call(ctx, "Network", "enumerateDevicesList", listParams, true)
	if err != nil {
		return nil, err
	}
	return decodeList[NetworkDevice]("Network", "enumerateDevicesList", raw)
}

// DiskDevices returns the physical disk inventory.
func (c *Client) DiskDevices(ctx context.Context) ([]Disk, error) {
	raw, err := c.Call(ctx, "DiskMgmt", "enumerateDevices", nil, true)
	if err != nil {
		return nil, err
	}
	return decodeList[Disk]("DiskMgmt", "enumerateDevices", raw)
}

// SmartDevices returns SMART status and temperature per disk.
func (c *Client) SmartDevices(ctx context.Context) ([]SmartDevice, error) {
	raw, err := c.Call(ctx, "Smart", "getList", listParams, true)
	if err != nil {
		return nil, err
	}
	return decodeList[SmartDevice]("Smart", "getList", raw)
}

// Filesystems returns every known filesystem with its usage.
func (c *Client) Filesystems(ctx context.Context) ([]Filesystem, error) {
	raw, err := c.Call(ctx, "FileSystemMgmt", "enumerateFilesystems", nil, true)
	if err != nil {
		return nil, err
	}
	return decodeList[Filesystem]("FileSystemMgmt", "enumerateFilesystems", raw)
}

// Reboot asks the appliance to reboot now.
func (c *Client) Reboot(ctx context.Context) error {
	if _, err := c.Call(ctx, "System", "reboot", powerParams, true); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}

// Shutdown asks the appliance to power off now.
func (c *Client) Shutdown(ctx context.Context) error {
	if _, err := c.Call(ctx, "System", "shutdown", powerParams, true); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
