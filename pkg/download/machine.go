package download

import (
	"github.com/felixgeelhaar/statekit"
)

// Task machine events
const (
	eventStart        = "START"
	eventPause        = "PAUSE"
	eventResume       = "RESUME"
	eventVerify       = "VERIFY"
	eventComplete     = "COMPLETE"
	eventVerifyFailed = "VERIFY_FAILED"
	eventFail         = "FAIL"
	eventRequeue      = "REQUEUE"
	eventRetry        = "RETRY"
	eventCancel       = "CANCEL"
)

// machineContext is the (empty) extended state of the task machine; task
// data lives on the task itself
type machineContext struct{}

// newTaskInterpreter builds and starts the task lifecycle machine.
// Completed, VerificationFailed and Cancelled have no outgoing transitions.
func newTaskInterpreter() (*statekit.Interpreter[machineContext], error) {
	machine, err := statekit.NewMachine[machineContext]("download-task").
		WithInitial(statePending).
		WithContext(machineContext{}).
		State(statePending).
		On(eventStart).Target(stateDownloading).
		On(eventCancel).Target(stateCancelled).Done().
		State(stateDownloading).
		On(eventPause).Target(statePaused).
		On(eventVerify).Target(stateVerifying).
		On(eventFail).Target(stateFailed).
		On(eventRequeue).Target(statePending).
		On(eventCancel).Target(stateCancelled).Done().
		State(statePaused).
		On(eventResume).Target(stateDownloading).
		On(eventCancel).Target(stateCancelled).Done().
		State(stateVerifying).
		On(eventComplete).Target(stateCompleted).
		On(eventVerifyFailed).Target(stateVerificationFailed).
		On(eventFail).Target(stateFailed).Done().
		State(stateFailed).
		On(eventRetry).Target(statePending).
		On(eventCancel).Target(stateCancelled).Done().
		State(stateCompleted).Done().
		State(stateVerificationFailed).Done().
		State(stateCancelled).Done().
		Build()
	if err != nil {
		return nil, err
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return interp, nil
}
