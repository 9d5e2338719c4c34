package collector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/omvbridge/internal/mqtt"
	"github.com/nugget/omvbridge/internal/omv"
)

// Disks publishes SMART health per disk and usage for every
// filesystem on it, under prefix/disk/<device>.
type Disks struct {
	deps Deps
}

// NewDisks creates the disk collector.
func NewDisks(deps Deps) *Disks {
	return &Disks{deps: deps}
}

func (d *Disks) Name() string { return "disks" }

// Collect runs the three inventory fetches concurrently. A failed
// fetch only removes its data; whatever the others returned is still
// published and the failures are returned joined.
func (d *Disks) Collect(ctx context.Context) error {
	var (
		disks       []omv.Disk
		smart       []omv.SmartDevice
		filesystems []omv.Filesystem
	)
	var diskErr, smartErr, fsErr error
	var g errgroup.Group
	g.Go(func() error {
		disks, diskErr = d.deps.API.DiskDevices(ctx)
		return nil
	})
	g.Go(func() error {
		smart, smartErr = d.deps.API.SmartDevices(ctx)
		return nil
	})
	g.Go(func() error {
		filesystems, fsErr = d.deps.API.Filesystems(ctx)
		return nil
	})
	_ = g.Wait()

	smartByName := make(map[string]omv.SmartDevice, len(smart))
	for _, s := range smart {
		smartByName[s.DeviceName] = s
	}

	for _, disk := range disks {
		if disk.DeviceName == "" {
			continue
		}
		d.publishDisk(ctx, disk, smartByName, filesystems)
	}

	var errs []error
	if diskErr != nil {
		errs = append(errs, fmt.Errorf("fetch disk devices: %w", diskErr))
	}
	if smartErr != nil {
		errs = append(errs, fmt.Errorf("fetch smart devices: %w", smartErr))
	}
	if fsErr != nil {
		errs = append(errs, fmt.Errorf("fetch filesystems: %w", fsErr))
	}
	return errors.Join(errs...)
}

func (d *Disks) publishDisk(ctx context.Context, disk omv.Disk, smartByName map[string]omv.SmartDevice, filesystems []omv.Filesystem) {
	name := disk.DeviceName
	id := "disk." + name
	path := "disk/" + name

	group := d.deps.Devices.Group(id, "Disk "+name)
	if disk.Model != "" {
		group.Model = disk.Model
	}

	tree := mqtt.Branch{
		"size": state(strconv.FormatUint(disk.Size.Uint64(), 10)),
	}
	type entity struct {
		key, label string
		kind       mqtt.EntityKind
		extra      mqtt.Extra
	}
	entities := []entity{
		{"size", "Size", mqtt.KindSensor, mqtt.Extra{Unit: "B", DeviceClass: "data_size", EntityCategory: "diagnostic"}},
	}

	if s, ok := smartByName[name]; ok {
		status := s.OverallStatus
		if status == "" {
			status = "UNKNOWN"
		}
		tree["smart"] = state(status)
		entities = append(entities, entity{"smart", "SMART Status", mqtt.KindSensor, mqtt.Extra{Icon: "mdi:harddisk"}})
		if s.Temperature > 0 {
			tree["temperature"] = state(formatFloat(s.Temperature.Float64(), 0))
			entities = append(entities, entity{"temperature", "Temperature", mqtt.KindSensor,
				mqtt.Extra{Unit: "°C", DeviceClass: "temperature", StateClass: "measurement"}})
		}
	}

	fsTree := mqtt.Branch{}
	for _, fs := range filesystems {
		if disk.DeviceFile == "" || fs.ParentDeviceFile != disk.DeviceFile {
			continue
		}
		key := mqtt.SanitizeID(fs.Name())
		fsTree[key] = mqtt.Branch{
			"mounted":    state(onOff(fs.Mounted)),
			"occupation": state(formatFloat(fs.Percentage.Float64(), 1)),
			"size":       state(strconv.FormatUint(fs.Size.Uint64(), 10)),
			"free":       state(strconv.FormatUint(fs.Available.Uint64(), 10)),
			"used":       state(strconv.FormatUint(fs.Used(), 10)),
		}
		label := fs.Name()
		prefix := "fs/" + key
		entities = append(entities,
			entity{prefix + "/mounted", label + " Mounted", mqtt.KindBinarySensor, mqtt.Extra{Icon: "mdi:folder-network"}},
			entity{prefix + "/occupation", label + " Occupation", mqtt.KindSensor, mqtt.Extra{Icon: "mdi:chart-donut", Unit: "%", StateClass: "measurement"}},
			entity{prefix + "/size", label + " Size", mqtt.KindSensor, mqtt.Extra{Unit: "B", DeviceClass: "data_size"}},
			entity{prefix + "/free", label + " Free", mqtt.KindSensor, mqtt.Extra{Unit: "B", DeviceClass: "data_size", StateClass: "measurement"}},
			entity{prefix + "/used", label + " Used", mqtt.KindSensor, mqtt.Extra{Unit: "B", DeviceClass: "data_size", StateClass: "measurement"}},
		)
	}
	if len(fsTree) > 0 {
		tree["fs"] = fsTree
	}

	d.deps.Publisher.Publish(ctx, path, tree)

	for _, e := range entities {
		extra := e.extra
		extra.Device = group
		d.deps.Registrar.RegisterSensor(ctx, e.kind, id+"."+strings.ReplaceAll(e.key, "/", "."), name+" "+e.label, path+"/"+e.key, extra, true)
	}
}
