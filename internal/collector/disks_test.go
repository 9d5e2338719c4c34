package collector

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nugget/omvbridge/internal/omv"
)

func diskAPI() *fakeAPI {
	return &fakeAPI{
		disks: []omv.Disk{
			{DeviceName: "sda", DeviceFile: "/dev/sda", Model: "WDC WD40EFRX", Size: 4000787030016},
			{DeviceName: "sdb", DeviceFile: "/dev/sdb", Size: 1000},
		},
		smart: []omv.SmartDevice{
			{DeviceName: "sda", Temperature: 34, OverallStatus: "GOOD"},
		},
		filesystems: []omv.Filesystem{
			{DeviceFile: "/dev/sda1", ParentDeviceFile: "/dev/sda", Label: "data", Mounted: true, Size: 1000, Available: 400, Percentage: 60},
			{DeviceFile: "/dev/sdb1", ParentDeviceFile: "/dev/sdb", Mounted: false, Size: 100, Available: 150},
			{DeviceFile: "/dev/nvme0n1p1", ParentDeviceFile: "/dev/nvme0n1", Label: "orphan"},
		},
	}
}

func TestDisks_Collect(t *testing.T) {
	h := newHarness(diskAPI())

	if err := NewDisks(h.deps).Collect(context.Background()); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	want := map[string]string{
		"omv/disk/sda/smart/state":              "GOOD",
		"omv/disk/sda/temperature/state":        "34",
		"omv/disk/sda/size/state":               "4000787030016",
		"omv/disk/sda/fs/data/mounted/state":    "ON",
		"omv/disk/sda/fs/data/occupation/state": "60.0",
		"omv/disk/sda/fs/data/size/state":       "1000",
		"omv/disk/sda/fs/data/free/state":       "400",
		"omv/disk/sda/fs/data/used/state":       "600",
		"omv/disk/sdb/fs/sdb1/used/state":       "0",
		"omv/disk/sdb/fs/sdb1/mounted/state":    "OFF",
	}
	for topic, v := range want {
		if got := h.value(t, topic); got != v {
			t.Errorf("%s = %q, want %q", topic, got, v)
		}
	}
	if h.published("omv/disk/sdb/smart/state") {
		t.Error("sdb has no SMART record but smart was published")
	}
	for _, m := range h.broker.Messages() {
		if strings.Contains(m.Topic, "orphan") {
			t.Errorf("filesystem without a matching disk published: %s", m.Topic)
		}
	}

	d := h.descriptor(t, "homeassistant/sensor/omv/disk_sda_fs_data_used/config")
	if d["uniq_id"] != "omv.disk.sda.fs.data.used" || d["stat_t"] != "omv/disk/sda/fs/data/used/state" {
		t.Errorf("used descriptor = %v", d)
	}
	device, _ := d["device"].(map[string]any)
	if device["model"] != "WDC WD40EFRX" || device["name"] != "OMV - Disk sda" {
		t.Errorf("device = %v", device)
	}
}

func TestDisks_PartialFailure(t *testing.T) {
	api := diskAPI()
	api.smartErr = errors.New("smartctl failed")
	h := newHarness(api)

	err := NewDisks(h.deps).Collect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "fetch smart devices") {
		t.Fatalf("Collect() error = %v, want smart failure", err)
	}
	if h.published("omv/disk/sda/smart/state") {
		t.Error("smart published despite failed fetch")
	}
	if got := h.value(t, "omv/disk/sda/fs/data/used/state"); got != "600" {
		t.Errorf("used = %q, want 600", got)
	}
}

func TestDisks_AllFail(t *testing.T) {
	api := diskAPI()
	api.disksErr = errors.New("a")
	api.smartErr = errors.New("b")
	api.fsErr = errors.New("c")
	h := newHarness(api)

	err := NewDisks(h.deps).Collect(context.Background())
	for _, part := range []string{"fetch disk devices", "fetch smart devices", "fetch filesystems"} {
		if err == nil || !strings.Contains(err.Error(), part) {
			t.Errorf("Collect() error = %v, missing %q", err, part)
		}
	}
	if n := len(h.broker.Messages()); n != 0 {
		t.Errorf("published %d messages with every fetch failing", n)
	}
}

func TestProperty_UsedNeverNegative(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("published used is max(0, size - available)", prop.ForAll(
		func(size, avail uint32) bool {
			api := &fakeAPI{
				disks: []omv.Disk{{DeviceName: "sda", DeviceFile: "/dev/sda"}},
				filesystems: []omv.Filesystem{{
					DeviceFile: "/dev/sda1", ParentDeviceFile: "/dev/sda",
					Size: omv.Number(size), Available: omv.Number(avail),
				}},
			}
			h := newHarness(api)
			if err := NewDisks(h.deps).Collect(context.Background()); err != nil {
				return false
			}
			m, ok := h.broker.Last("omv/disk/sda/fs/sda1/used/state")
			if !ok {
				return false
			}
			used, err := strconv.ParseInt(m.Payload, 10, 64)
			if err != nil || used < 0 {
				return false
			}
			want := int64(size) - int64(avail)
			if want < 0 {
				want = 0
			}
			return used == want
		},
		gen.UInt32(),
		gen.UInt32(),
	))

	properties.TestingRun(t)
}
