package ocl

import (
	"os"
	"slices"
	"sort"
	"sync"

	"github.com/gomlx/clvec"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DriverEnv is the environment variable that selects the default driver by name.
const DriverEnv = "CLVEC_DRIVER"

// preferredDrivers are tried in order by DefaultDriver, when DriverEnv is not set.
var preferredDrivers = []string{"opencl", "host"}

var (
	muDrivers         sync.Mutex
	registeredDrivers = make(map[string]Driver)
)

// RegisterDriver makes the driver available under driver.Name().
// Registering a second driver with the same name replaces the first one, with a warning.
//
// Driver packages call it from their init function.
func RegisterDriver(driver Driver) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	name := driver.Name()
	if _, found := registeredDrivers[name]; found {
		klog.Warningf("ocl.RegisterDriver(%q): replacing previously registered driver", name)
	}
	registeredDrivers[name] = driver
	klog.V(2).Infof("registered driver %q", name)
}

// AvailableDrivers returns the names of the registered drivers, sorted.
func AvailableDrivers() []string {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	names := make([]string, 0, len(registeredDrivers))
	for name := range registeredDrivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetDriver returns the registered driver with the given name.
// It fails with a NoDevice error if the driver is not registered.
func GetDriver(name string) (Driver, error) {
	muDrivers.Lock()
	driver, found := registeredDrivers[name]
	muDrivers.Unlock()
	if !found {
		return nil, clvec.Errorf(clvec.NoDevice, "get-driver",
			"driver %q not registered (registered drivers: %v), did you forget to import its package?",
			name, AvailableDrivers())
	}
	return driver, nil
}

// DefaultDriver returns the driver named by the environment variable CLVEC_DRIVER if set.
// Otherwise, it returns the first registered driver out of "opencl" and "host", in that order.
func DefaultDriver() (Driver, error) {
	if name := os.Getenv(DriverEnv); name != "" {
		driver, err := GetDriver(name)
		if err != nil {
			return nil, errors.WithMessagef(err, "from $%s", DriverEnv)
		}
		return driver, nil
	}
	available := AvailableDrivers()
	for _, name := range preferredDrivers {
		if slices.Contains(available, name) {
			return GetDriver(name)
		}
	}
	if len(available) > 0 {
		return GetDriver(available[0])
	}
	return nil, clvec.Errorf(clvec.NoDevice, "get-driver", "no driver registered, import one of the driver packages")
}
