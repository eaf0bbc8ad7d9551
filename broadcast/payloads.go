package broadcast

type DeviceFoundPayload struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	Class   uint32 `json:"class,omitempty"`
	RSSI    int16  `json:"rssi,omitempty"`
}

type DevicePayload struct {
	Address string `json:"address"`
}

type DeviceNamePayload struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type DeviceClassPayload struct {
	Address string `json:"address"`
	Class   uint32 `json:"class"`
}

type DeviceUUIDsPayload struct {
	Address string   `json:"address"`
	UUIDs   []string `json:"uuids"`
}

type AdapterNamePayload struct {
	Name string `json:"name"`
}

type ScanModePayload struct {
	Mode string `json:"mode"`
}

type AdapterStatePayload struct {
	State string `json:"state"`
}

type BondStatePayload struct {
	Address string `json:"address"`
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
}

type PairingRequestPayload struct {
	Address string `json:"address"`
	Kind    string `json:"kind"`
	Passkey string `json:"passkey,omitempty"`
}

type NetworkPayload struct {
	Interface string `json:"interface"`
}
