// clvec_devices lists the compute devices visible to the registered drivers, their capabilities per
// precision, and which one clvec would select.
//
// The "opencl" driver is only available if built with the "opencl" build tag.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/clvec/dtypes"
	"github.com/gomlx/clvec/ocl"
	_ "github.com/gomlx/clvec/ocl/host"
	_ "github.com/gomlx/clvec/ocl/native"
	"github.com/janpfeifer/must"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"
)

var (
	flagDriver = flag.String("driver", "", "Driver to list devices from. If empty, all registered drivers are listed.")
	flagType   = flag.String("type", "all", "Type of devices to list: gpu, cpu, accelerator or all.")
	flagJSON   = flag.Bool("json", false, "Output JSON instead of a table.")
)

func parseDeviceType(name string) (ocl.DeviceType, error) {
	switch strings.ToLower(name) {
	case "gpu":
		return ocl.DeviceTypeGPU, nil
	case "cpu":
		return ocl.DeviceTypeCPU, nil
	case "accelerator":
		return ocl.DeviceTypeAccelerator, nil
	case "all", "":
		return ocl.DeviceTypeAll, nil
	}
	return ocl.DeviceTypeAll, errors.Errorf("unknown device type %q, valid values are gpu, cpu, accelerator or all", name)
}

// deviceRow is what is reported for each device.
type deviceRow struct {
	driver   string
	desc     *ocl.DeviceDescriptor
	configs  map[dtypes.DType]dtypes.FPConfig
	selected bool
}

func (r *deviceRow) precisions() string {
	var parts []string
	for _, dtype := range dtypes.All {
		config := r.configs[dtype]
		if !config.IsSupported() {
			continue
		}
		name := dtype.String()
		if !config.IEEECorrectDivision() {
			name += "(inexact div)"
		}
		parts = append(parts, name)
	}
	return strings.Join(parts, " ")
}

func (r *deviceRow) toMap() map[string]any {
	info := r.desc.Info
	fpConfigs := make(map[string]any, len(r.configs))
	for dtype, config := range r.configs {
		fpConfigs[dtype.String()] = config.String()
	}
	return map[string]any{
		"driver":              r.driver,
		"platform":            r.desc.PlatformName,
		"platform_index":      r.desc.PlatformIndex,
		"device_index":        r.desc.DeviceIndex,
		"name":                info.Name,
		"vendor":              info.Vendor,
		"type":                info.Type.String(),
		"compute_units":       info.MaxComputeUnits,
		"clock_mhz":           info.MaxClockFrequency,
		"max_work_group_size": info.MaxWorkGroupSize,
		"global_mem_bytes":    info.GlobalMemSize,
		"available":           info.Available,
		"score":               r.desc.Score(),
		"fp_configs":          fpConfigs,
		"selected":            r.selected,
	}
}

// listDriver enumerates the devices of one driver, marking the one SelectDevice picks.
func listDriver(driver ocl.Driver, deviceType ocl.DeviceType) ([]*deviceRow, error) {
	descs, err := ocl.EnumerateDevices(driver, deviceType)
	if err != nil {
		return nil, err
	}
	var selectedName string
	if selected, err := ocl.SelectDevice(driver, deviceType); err == nil {
		selectedName = selected.String()
	} else {
		klog.V(1).Infof("driver %q: no device selected: %v", driver.Name(), err)
	}
	rows := make([]*deviceRow, 0, len(descs))
	for _, desc := range descs {
		row := &deviceRow{
			driver:   driver.Name(),
			desc:     desc,
			configs:  make(map[dtypes.DType]dtypes.FPConfig),
			selected: desc.String() == selectedName,
		}
		for _, dtype := range dtypes.All {
			config, err := desc.Device.FPConfig(dtype)
			if err != nil {
				klog.Warningf("failed to query %s capabilities of %s: %v", dtype, desc, err)
				continue
			}
			row.configs[dtype] = config
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	deviceType := must.M1(parseDeviceType(*flagType))
	driverNames := ocl.AvailableDrivers()
	if *flagDriver != "" {
		driverNames = []string{*flagDriver}
	}

	var rows []*deviceRow
	for _, name := range driverNames {
		driver, err := ocl.GetDriver(name)
		if err != nil {
			klog.Fatalf("%+v", err)
		}
		driverRows, err := listDriver(driver, deviceType)
		if err != nil {
			klog.Warningf("driver %q: %v", name, err)
			continue
		}
		rows = append(rows, driverRows...)
	}

	if *flagJSON {
		devices := make([]any, len(rows))
		for ii, row := range rows {
			devices[ii] = row.toMap()
		}
		msg := must.M1(structpb.NewStruct(map[string]any{"devices": devices}))
		fmt.Println(string(must.M1(protojson.MarshalOptions{Multiline: true}.Marshal(msg))))
		return
	}

	if len(rows) == 0 {
		fmt.Printf("No %s devices found (drivers: %s).\n", deviceType, strings.Join(driverNames, ", "))
		os.Exit(1)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"", "DRIVER", "PLATFORM", "DEVICE", "TYPE", "UNITS", "MHZ", "WORK GROUP", "SCORE", "PRECISIONS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, row := range rows {
		mark := ""
		if row.selected {
			mark = "*"
		}
		info := row.desc.Info
		if !info.Available {
			mark = "x"
		}
		table.Append([]string{
			mark, row.driver, row.desc.PlatformName, info.Name, info.Type.String(),
			strconv.Itoa(info.MaxComputeUnits), strconv.Itoa(info.MaxClockFrequency), strconv.Itoa(info.MaxWorkGroupSize),
			strconv.FormatUint(row.desc.Score(), 10), row.precisions(),
		})
	}
	table.Render()
	fmt.Println("(*) selected device, (x) unavailable device")
}
