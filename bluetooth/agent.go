package bluetooth

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// Agent is the pairing agent this daemon exports on the system bus. The
// daemon calls back into it whenever a pairing conversation needs input;
// each question is parked with the manager and answered later by a pin or
// cancel command, or rejected when the deadline passes.
type Agent struct {
	conn    *dbus.Conn
	manager *Manager
	path    dbus.ObjectPath
}

func NewAgent(conn *dbus.Conn, manager *Manager) (*Agent, error) {
	agent := &Agent{
		conn:    conn,
		manager: manager,
		path:    dbus.ObjectPath(BLUEZ_AGENT_PATH),
	}

	if err := conn.Export(agent, agent.path, BLUEZ_AGENT_INTERFACE); err != nil {
		return nil, fmt.Errorf("failed to export agent: %v", err)
	}

	node := &introspect.Node{
		Name: string(agent.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    BLUEZ_AGENT_INTERFACE,
				Methods: introspect.Methods(agent),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), agent.path, DBUS_INTROSPECTABLE); err != nil {
		return nil, fmt.Errorf("failed to export agent introspection: %v", err)
	}

	obj := conn.Object(BLUEZ_BUS_NAME, dbus.ObjectPath(BLUEZ_OBJECT_PATH))
	if err := obj.Call(BLUEZ_AGENT_MANAGER+".RegisterAgent", 0, agent.path, BLUEZ_AGENT_CAPABILITY).Err; err != nil {
		return nil, fmt.Errorf("failed to register agent: %v", err)
	}
	if err := obj.Call(BLUEZ_AGENT_MANAGER+".RequestDefaultAgent", 0, agent.path).Err; err != nil {
		return nil, fmt.Errorf("failed to become default agent: %v", err)
	}

	log.Println("Pairing agent registered")
	return agent, nil
}

// Release is called when the daemon unregisters the agent.
func (a *Agent) Release() *dbus.Error {
	log.Println("Agent released")
	return nil
}

// RequestPinCode parks a pin question and blocks until a pin command
// answers it. Legacy keyboards and headsets land here.
func (a *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	log.Printf("RequestPinCode from %s", device)

	token, ch := a.manager.parkRequest()
	if !a.manager.service.EnqueueEvent(PairingRequestEvent{
		Path:  string(device),
		Token: token,
		Kind:  PairingPin,
	}) {
		a.manager.replies.Delete(token)
		return "", dbus.MakeFailedError(ErrQueueFull)
	}

	reply, ok := a.manager.awaitReply(token, ch)
	if !ok || !reply.accept {
		return "", dbus.MakeFailedError(errors.New("pairing request rejected"))
	}
	return reply.pin, nil
}

// RequestPasskey is the numeric twin of RequestPinCode. The answer must be
// a decimal passkey of at most six digits.
func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	log.Printf("RequestPasskey from %s", device)

	token, ch := a.manager.parkRequest()
	if !a.manager.service.EnqueueEvent(PairingRequestEvent{
		Path:  string(device),
		Token: token,
		Kind:  PairingPin,
	}) {
		a.manager.replies.Delete(token)
		return 0, dbus.MakeFailedError(ErrQueueFull)
	}

	reply, ok := a.manager.awaitReply(token, ch)
	if !ok || !reply.accept {
		return 0, dbus.MakeFailedError(errors.New("pairing request rejected"))
	}

	passkey, err := strconv.ParseUint(reply.pin, 10, 32)
	if err != nil || passkey > 999999 {
		return 0, dbus.MakeFailedError(fmt.Errorf("invalid passkey %q", reply.pin))
	}
	return uint32(passkey), nil
}

// DisplayPinCode is informational; the pin is typed on the remote side.
func (a *Agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	log.Printf("DisplayPinCode %s for %s", pincode, device)
	return nil
}

// DisplayPasskey is informational; entered reports typing progress.
func (a *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	log.Printf("DisplayPasskey %06d for %s (%d entered)", passkey, device, entered)
	return nil
}

// RequestConfirmation parks a yes/no question about a passkey match. A pin
// command confirms it, a cancel command rejects it.
func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	log.Printf("RequestConfirmation (%06d) from %s", passkey, device)

	token, ch := a.manager.parkRequest()
	if !a.manager.service.EnqueueEvent(PairingRequestEvent{
		Path:    string(device),
		Token:   token,
		Kind:    PairingConfirmation,
		Passkey: fmt.Sprintf("%06d", passkey),
	}) {
		a.manager.replies.Delete(token)
		return dbus.MakeFailedError(ErrQueueFull)
	}

	reply, ok := a.manager.awaitReply(token, ch)
	if !ok || !reply.accept {
		return dbus.MakeFailedError(errors.New("pairing rejected"))
	}
	return nil
}

// RequestAuthorization asks whether an unbonded device may connect at all.
func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	log.Printf("RequestAuthorization from %s", device)
	return a.authorize(device, "")
}

// AuthorizeService asks whether a device may use a specific profile.
func (a *Agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	log.Printf("AuthorizeService from %s (%s)", device, uuid)
	return a.authorize(device, uuid)
}

func (a *Agent) authorize(device dbus.ObjectPath, uuid string) *dbus.Error {
	reply := make(chan bool, 1)
	if !a.manager.service.EnqueueEvent(AuthorizeEvent{
		Path:  string(device),
		UUID:  uuid,
		Reply: reply,
	}) {
		return dbus.MakeFailedError(ErrQueueFull)
	}

	timer := time.NewTimer(a.manager.authTimeout)
	defer timer.Stop()

	select {
	case authorized := <-reply:
		if !authorized {
			return dbus.MakeFailedError(errors.New("connection not authorized"))
		}
		return nil
	case <-timer.C:
		return dbus.MakeFailedError(errors.New("authorization timed out"))
	}
}

// Cancel is called when the daemon abandons the conversation it is asking
// about. Parked questions are rejected so their callbacks return.
func (a *Agent) Cancel() *dbus.Error {
	log.Println("Pairing cancelled")
	a.manager.failParkedRequests()
	a.manager.service.EnqueueEvent(AgentCancelEvent{})
	return nil
}
