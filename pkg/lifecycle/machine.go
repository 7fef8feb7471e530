package lifecycle

import (
	"github.com/felixgeelhaar/statekit"
)

// State is the lifecycle state of one plugin
type State string

// Machine state names
const (
	stateDiscovered   = "discovered"
	stateInstalling   = "installing"
	stateInstalled    = "installed"
	stateLoading      = "loading"
	stateLoaded       = "loaded"
	stateRunning      = "running"
	stateStopping     = "stopping"
	stateUnloading    = "unloading"
	stateUpdating     = "updating"
	stateUninstalling = "uninstalling"
	stateDisabled     = "disabled"
	stateFailed       = "failed"
	stateUninstalled  = "uninstalled"
)

// Plugin states
const (
	StateDiscovered   State = stateDiscovered
	StateInstalling   State = stateInstalling
	StateInstalled    State = stateInstalled
	StateLoading      State = stateLoading
	StateLoaded       State = stateLoaded
	StateRunning      State = stateRunning
	StateStopping     State = stateStopping
	StateUnloading    State = stateUnloading
	StateUpdating     State = stateUpdating
	StateUninstalling State = stateUninstalling
	StateDisabled     State = stateDisabled
	StateFailed       State = stateFailed
	StateUninstalled  State = stateUninstalled
)

// Plugin machine events
const (
	eventInstall     = "INSTALL"
	eventInstalled   = "INSTALLED"
	eventFound       = "FOUND"
	eventLoad        = "LOAD"
	eventLoaded      = "LOADED"
	eventStart       = "START"
	eventStop        = "STOP"
	eventStopped     = "STOPPED"
	eventUnload      = "UNLOAD"
	eventUnloaded    = "UNLOADED"
	eventUpdate      = "UPDATE"
	eventUpdated     = "UPDATED"
	eventUninstall   = "UNINSTALL"
	eventUninstalled = "UNINSTALLED"
	eventDisable     = "DISABLE"
	eventEnable      = "ENABLE"
	eventReset       = "RESET"
	eventFail        = "FAIL"
)

type machineContext struct{}

// newPluginInterpreter builds and starts the plugin state machine.
// Uninstalled only accepts a fresh install.
func newPluginInterpreter() (*statekit.Interpreter[machineContext], error) {
	machine, err := statekit.NewMachine[machineContext]("plugin").
		WithInitial(stateDiscovered).
		WithContext(machineContext{}).
		State(stateDiscovered).
		On(eventInstall).Target(stateInstalling).
		On(eventFound).Target(stateInstalled).
		On(eventFail).Target(stateFailed).Done().
		State(stateInstalling).
		On(eventInstalled).Target(stateInstalled).
		On(eventFail).Target(stateFailed).Done().
		State(stateInstalled).
		On(eventLoad).Target(stateLoading).
		On(eventUpdate).Target(stateUpdating).
		On(eventUninstall).Target(stateUninstalling).
		On(eventDisable).Target(stateDisabled).
		On(eventFail).Target(stateFailed).Done().
		State(stateLoading).
		On(eventLoaded).Target(stateLoaded).
		On(eventFail).Target(stateFailed).Done().
		State(stateLoaded).
		On(eventStart).Target(stateRunning).
		On(eventUnload).Target(stateUnloading).
		On(eventFail).Target(stateFailed).Done().
		State(stateRunning).
		On(eventStop).Target(stateStopping).
		On(eventFail).Target(stateFailed).Done().
		State(stateStopping).
		On(eventStopped).Target(stateLoaded).
		On(eventFail).Target(stateFailed).Done().
		State(stateUnloading).
		On(eventUnloaded).Target(stateInstalled).
		On(eventFail).Target(stateFailed).Done().
		State(stateUpdating).
		On(eventUpdated).Target(stateInstalled).
		On(eventFail).Target(stateFailed).Done().
		State(stateUninstalling).
		On(eventUninstalled).Target(stateUninstalled).
		On(eventFail).Target(stateFailed).Done().
		State(stateDisabled).
		On(eventEnable).Target(stateInstalled).
		On(eventUninstall).Target(stateUninstalling).
		On(eventUpdate).Target(stateUpdating).Done().
		State(stateFailed).
		On(eventReset).Target(stateInstalled).
		On(eventInstall).Target(stateInstalling).
		On(eventUninstall).Target(stateUninstalling).
		On(eventDisable).Target(stateDisabled).Done().
		State(stateUninstalled).
		On(eventInstall).Target(stateInstalling).Done().
		Build()
	if err != nil {
		return nil, err
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return interp, nil
}
