// JSON views of the station state

package monitor

import (
	"time"

	"srcpd-go/pkg/ddl"
)

// Snapshot is the full station state as served by /status and pushed
// to a fresh WebSocket client.
type Snapshot struct {
	Power       bool              `json:"power"`
	Uptime      float64           `json:"uptime"`
	Locomotives []LocoStatus      `json:"locomotives"`
	Accessories []AccessoryStatus `json:"accessories"`
	Sensors     []SensorStatus    `json:"sensors"`
	Stats       StatsStatus       `json:"stats"`
}

// LocoStatus describes one locomotive in the refresh cycle.
type LocoStatus struct {
	Address      uint32 `json:"address"`
	Name         string `json:"name,omitempty"`
	Protocol     string `json:"protocol"`
	Version      int    `json:"version"`
	SpeedSteps   int    `json:"speed_steps"`
	NumFunctions int    `json:"num_functions"`
	UID          uint32 `json:"uid,omitempty"`
	Direction    string `json:"direction"`
	Speed        int    `json:"speed"`
	Functions    uint64 `json:"functions"`
}

// AccessoryStatus describes one accessory decoder.
type AccessoryStatus struct {
	Address  uint32  `json:"address"`
	Protocol string  `json:"protocol"`
	Ports    [2]bool `json:"ports"`
}

// SensorStatus describes one closed feedback contact.
type SensorStatus struct {
	Chain  int  `json:"chain"`
	Number int  `json:"number"`
	State  bool `json:"state"`
}

// PowerStatus is the /power request and response body.
type PowerStatus struct {
	On bool `json:"on"`
}

// StatsStatus mirrors the scheduler counters.
type StatsStatus struct {
	Packets      map[string]uint64 `json:"packets"`
	TimingMisses uint64            `json:"timing_misses"`
	AckRetries   uint64            `json:"ack_retries"`
	SensorEvents uint64            `json:"sensor_events"`
	QueueDepth   int               `json:"queue_depth"`
}

// Notification is one WebSocket push message.
type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func locoStatus(state ddl.SlotState) LocoStatus {
	name := ""
	if len(state.Params) > 0 {
		name = state.Params[0]
	}
	return LocoStatus{
		Address:      state.Addr,
		Name:         name,
		Protocol:     state.Proto.String(),
		Version:      state.Version,
		SpeedSteps:   state.SpeedSteps,
		NumFunctions: state.NumFunctions,
		UID:          state.UID,
		Direction:    state.Mode.String(),
		Speed:        state.Speed,
		Functions:    state.Functions,
	}
}

func (s *Server) locomotives() []LocoStatus {
	st := s.cfg.Station
	addrs := st.Registry().Addrs()
	locos := make([]LocoStatus, 0, len(addrs))
	for _, addr := range addrs {
		if state, ok := st.GetLoco(addr); ok {
			locos = append(locos, locoStatus(state))
		}
	}
	return locos
}

func (s *Server) accessories() []AccessoryStatus {
	st := s.cfg.Station
	addrs := st.AccessoryAddrs()
	gas := make([]AccessoryStatus, 0, len(addrs))
	for _, addr := range addrs {
		if ports, proto, ok := st.GetAccessory(addr); ok {
			gas = append(gas, AccessoryStatus{
				Address:  addr,
				Protocol: proto.String(),
				Ports:    ports,
			})
		}
	}
	return gas
}

func (s *Server) sensors() []SensorStatus {
	if s.cfg.Sensors == nil {
		return []SensorStatus{}
	}
	active := s.cfg.Sensors.ActiveContacts()
	out := make([]SensorStatus, 0, len(active))
	for _, c := range active {
		out = append(out, SensorStatus{Chain: c.Bus, Number: c.Number, State: c.State})
	}
	return out
}

func (s *Server) snapshot() Snapshot {
	st := s.cfg.Station
	stats := st.Stats()
	return Snapshot{
		Power:       st.Power(),
		Uptime:      time.Since(s.startTime).Seconds(),
		Locomotives: s.locomotives(),
		Accessories: s.accessories(),
		Sensors:     s.sensors(),
		Stats: StatsStatus{
			Packets:      stats.Packets,
			TimingMisses: stats.TimingMisses,
			AckRetries:   stats.AckRetries,
			SensorEvents: stats.SensorEvents,
			QueueDepth:   stats.QueueDepth,
		},
	}
}

// notificationFor maps a station event onto a push message.
func notificationFor(ev ddl.Event) (Notification, bool) {
	switch e := ev.(type) {
	case ddl.PowerEvent:
		return Notification{Event: "power", Data: PowerStatus{On: e.On}}, true
	case ddl.GLInitEvent:
		name := ""
		if len(e.Params) > 0 {
			name = e.Params[0]
		}
		return Notification{Event: "locomotive_init", Data: LocoStatus{
			Address:      e.Addr,
			Name:         name,
			Protocol:     e.Proto.String(),
			Version:      e.Version,
			SpeedSteps:   e.SpeedSteps,
			NumFunctions: e.NumFunctions,
			UID:          e.UID,
		}}, true
	case ddl.GLEvent:
		return Notification{Event: "locomotive", Data: map[string]any{
			"address":   e.Addr,
			"direction": e.Mode.String(),
			"speed":     e.Speed,
			"functions": e.Functions,
		}}, true
	case ddl.GLTermEvent:
		return Notification{Event: "locomotive_term", Data: map[string]any{
			"address": e.Addr,
		}}, true
	case ddl.GAInitEvent:
		return Notification{Event: "accessory_init", Data: map[string]any{
			"address":  e.Addr,
			"protocol": e.Proto.String(),
		}}, true
	case ddl.GAEvent:
		return Notification{Event: "accessory", Data: map[string]any{
			"address": e.Addr,
			"port":    e.Port,
			"value":   e.Value,
		}}, true
	case ddl.FBEvent:
		return Notification{Event: "sensor", Data: SensorStatus{
			Chain: e.Bus, Number: e.Number, State: e.State,
		}}, true
	case ddl.SMResultEvent:
		data := map[string]any{
			"address": e.Addr,
			"type":    e.Type,
			"params":  e.Params,
			"value":   e.Value,
		}
		if e.Err != nil {
			data["error"] = e.Err.Error()
		}
		return Notification{Event: "service_mode", Data: data}, true
	}
	return Notification{}, false
}
