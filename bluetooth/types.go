package bluetooth

import "strconv"

// DeviceInfo is the external snapshot of one remote device.
type DeviceInfo struct {
	Address   string   `json:"address"`
	Name      string   `json:"name,omitempty"`
	Class     uint32   `json:"class,omitempty"`
	Paired    bool     `json:"paired"`
	Trusted   bool     `json:"trusted"`
	Connected bool     `json:"connected"`
	RSSI      int16    `json:"rssi,omitempty"`
	UUIDs     []string `json:"uuids,omitempty"`
	BondState string   `json:"bondState"`
	Phase     string   `json:"pairingPhase"`
	Priority  int      `json:"priority"`
}

// AdapterInfo is the external snapshot of the local adapter.
type AdapterInfo struct {
	Name          string `json:"name,omitempty"`
	State         string `json:"state"`
	ScanMode      string `json:"scanMode"`
	Discovering   bool   `json:"discovering"`
	DroppedEvents int64  `json:"droppedEvents"`
}

// Device returns the snapshot for one device.
func (s *Service) Device(address string) (DeviceInfo, error) {
	if !s.registry.Known(address) && s.bonds.BondState(address) == BondNone {
		return DeviceInfo{}, ErrUnknownDevice
	}
	return s.deviceInfo(address), nil
}

// Devices returns snapshots for every mirrored device in stable order.
func (s *Service) Devices() []DeviceInfo {
	addresses := s.registry.Addresses()
	infos := make([]DeviceInfo, 0, len(addresses))
	for _, address := range addresses {
		infos = append(infos, s.deviceInfo(address))
	}
	return infos
}

// Adapter returns the adapter snapshot.
func (s *Service) Adapter() AdapterInfo {
	name, _ := s.registry.AdapterProperty("Name")
	pairable, _ := s.registry.AdapterProperty("Pairable")
	discoverable, _ := s.registry.AdapterProperty("Discoverable")
	discovering, _ := s.registry.AdapterProperty("Discovering")
	mode, _ := scanModeOf(pairable == "true", discoverable == "true")

	return AdapterInfo{
		Name:          name,
		State:         s.PowerState().String(),
		ScanMode:      mode.String(),
		Discovering:   discovering == "true",
		DroppedEvents: s.dropped.Load(),
	}
}

func (s *Service) deviceInfo(address string) DeviceInfo {
	info := DeviceInfo{
		Address:   address,
		Name:      s.registry.RemoteName(address),
		Connected: s.registry.ConnectedFlag(address),
		UUIDs:     s.registry.RemoteUUIDs(address),
		BondState: s.bonds.BondState(address).String(),
		Phase:     s.phase(address).String(),
		Priority:  int(s.registry.Priority(address)),
	}
	if class, ok := s.registry.RemoteClass(address); ok {
		info.Class = class
	}
	if v, ok := s.registry.DeviceProperty(address, "Paired"); ok {
		info.Paired = v == "true"
	}
	if v, ok := s.registry.DeviceProperty(address, "Trusted"); ok {
		info.Trusted = v == "true"
	}
	if v, ok := s.registry.DeviceProperty(address, "RSSI"); ok {
		if rssi, err := strconv.ParseInt(v, 10, 16); err == nil {
			info.RSSI = int16(rssi)
		}
	}
	return info
}

func (s *Service) phase(address string) PairingPhase {
	s.mu.Lock()
	n := s.negotiator
	s.mu.Unlock()
	if n == nil {
		return PhaseIdle
	}
	return n.Phase(address)
}
