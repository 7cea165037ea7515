package panel

import (
	"sort"
	"time"
)

// DeviceStatus is a point-in-time view of one device for status surfaces.
type DeviceStatus struct {
	Address     uint8     `json:"address"`
	Online      bool      `json:"online"`
	UseCRC      bool      `json:"use_crc"`
	UseSecure   bool      `json:"use_secure"`
	SecureState string    `json:"secure_state"`
	Sequence    uint8     `json:"sequence"`
	QueueLen    int       `json:"queue_len"`
	LastReplyAt time.Time `json:"last_reply_at"`
}

// BusStatus is a point-in-time view of one bus.
type BusStatus struct {
	ConnectionID ConnectionID   `json:"connection_id"`
	Devices      []DeviceStatus `json:"devices"`
}

// Status snapshots every bus and device.
func (p *ControlPanel) Status() []BusStatus {
	p.mu.Lock()
	buses := make([]*Bus, 0, len(p.buses))
	for _, b := range p.buses {
		buses = append(buses, b)
	}
	p.mu.Unlock()

	sort.Slice(buses, func(i, j int) bool { return buses[i].id < buses[j].id })

	out := make([]BusStatus, 0, len(buses))
	for _, b := range buses {
		bs := BusStatus{ConnectionID: b.id}
		for _, d := range b.Devices() {
			d.mu.Lock()
			bs.Devices = append(bs.Devices, DeviceStatus{
				Address:     d.address,
				Online:      d.online,
				UseCRC:      d.useCRC,
				UseSecure:   d.useSecure,
				SecureState: secureStateName(d),
				Sequence:    d.sequence,
				QueueLen:    len(d.queue),
				LastReplyAt: d.lastReply,
			})
			d.mu.Unlock()
		}
		out = append(out, bs)
	}
	return out
}

func secureStateName(d *DeviceProxy) string {
	if d.session == nil {
		return ""
	}
	return d.session.State().String()
}
