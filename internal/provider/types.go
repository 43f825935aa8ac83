// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package provider

import "encoding/json"

// PowerState is the normalized power state of a provider VM.
type PowerState string

const (
	PowerOn        PowerState = "on"
	PowerOff       PowerState = "off"
	PowerSuspended PowerState = "suspended"
	PowerUnknown   PowerState = "unknown"
)

// NormalizePower folds the provider's raw power strings into the closed
// PowerState set. The provider reports suspended VMs as "paused" on some
// datacenters.
func NormalizePower(raw string) PowerState {
	switch raw {
	case "on":
		return PowerOn
	case "off":
		return PowerOff
	case "suspended", "paused":
		return PowerSuspended
	default:
		return PowerUnknown
	}
}

// NetworkAttachment is one NIC of a provider VM.
type NetworkAttachment struct {
	Name string   `json:"network"`
	IPs  []string `json:"ips"`
}

// ServerInfo describes a provider VM. Fields the provider omits stay zero.
type ServerInfo struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Power      string              `json:"power"`
	Datacenter string              `json:"datacenter"`
	CPU        string              `json:"cpu"`
	RAMMB      int                 `json:"ram"`
	DiskGB     int                 `json:"diskSizes,omitempty"`
	Networks   []NetworkAttachment `json:"networks"`
}

// State returns the VM's normalized power state.
func (s ServerInfo) State() PowerState { return NormalizePower(s.Power) }

// FirstIP returns the first address of the first network attachment, or "".
func (s ServerInfo) FirstIP() string {
	for _, n := range s.Networks {
		if len(n.IPs) > 0 {
			return n.IPs[0]
		}
	}
	return ""
}

// UnmarshalJSON tolerates the provider's loose payloads: network lists may
// be absent or hold plain strings, disk sizes come as a list.
func (s *ServerInfo) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         string          `json:"id"`
		Name       string          `json:"name"`
		Power      string          `json:"power"`
		Datacenter string          `json:"datacenter"`
		CPU        string          `json:"cpu"`
		RAM        int             `json:"ram"`
		DiskSizes  []int           `json:"diskSizes"`
		Networks   json.RawMessage `json:"networks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.ID = raw.ID
	s.Name = raw.Name
	s.Power = raw.Power
	s.Datacenter = raw.Datacenter
	s.CPU = raw.CPU
	s.RAMMB = raw.RAM
	if len(raw.DiskSizes) > 0 {
		s.DiskGB = raw.DiskSizes[0]
	}
	s.Networks = nil
	if len(raw.Networks) > 0 {
		var nets []NetworkAttachment
		if err := json.Unmarshal(raw.Networks, &nets); err == nil {
			s.Networks = nets
		}
	}
	return nil
}

// Image is one provisionable OS image.
type Image struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	SizeGB      int    `json:"sizeGB"`
}

// Network is one private VLAN available for VM attachment.
type Network struct {
	Name       string `json:"name"`
	Subnet     string `json:"subnet"`
	Datacenter string `json:"datacenter"`
}

// Datacenter is one provider location.
type Datacenter struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CommandStatus is the polled state of a queued provider operation.
type CommandStatus struct {
	Status string `json:"status"`
	Log    string `json:"log"`
}

const (
	CommandPending  = "pending"
	CommandComplete = "complete"
	CommandError    = "error"
)

// ServerParams is the creation payload for a new VM. Field names follow the
// provider's flat indexed convention for disks and NICs.
type ServerParams struct {
	Name        string `json:"name"`
	Password    string `json:"password"`
	Datacenter  string `json:"datacenter"`
	DiskSrc0    string `json:"disk_src_0"`
	DiskSize0   int    `json:"disk_size_0"`
	CPU         string `json:"cpu"`
	RAM         int    `json:"ram"`
	NetworkName string `json:"network_name_0"`
	NetworkIP   string `json:"network_ip_0"`
	Billing     string `json:"billing"`
	Traffic     string `json:"traffic"`
	PowerOn     bool   `json:"power"`
}
