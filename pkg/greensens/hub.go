package greensens

import "maps"

// Hub is a gateway grouping sensors in API order.
type Hub struct {
	name    string
	sensors []*Sensor
}

func NewHub(name string) *Hub {
	return &Hub{name: name}
}

func (h *Hub) Name() string {
	return h.name
}

// AddSensor appends s. Sensors with the same ID are not merged.
func (h *Hub) AddSensor(s *Sensor) {
	h.sensors = append(h.sensors, s)
}

func (h *Hub) SensorCount(onlyActive bool) int {
	n := 0
	for _, s := range h.sensors {
		if s.IsActive() || !onlyActive {
			n++
		}
	}
	return n
}

// Data merges the raw payloads of the included sensors into one map. Keys are
// the payload keys themselves, so a later sensor overwrites an earlier one.
func (h *Hub) Data(onlyActive bool) map[string]any {
	data := map[string]any{}
	for _, s := range h.sensors {
		if s.IsActive() || !onlyActive {
			maps.Copy(data, s.raw)
		}
	}
	return data
}

func (h *Hub) SensorIDs(onlyActive bool) []string {
	ids := []string{}
	for _, s := range h.sensors {
		if s.IsActive() || !onlyActive {
			ids = append(ids, s.ID())
		}
	}
	return ids
}

func (h *Hub) Sensors(onlyActive bool) []*Sensor {
	sensors := make([]*Sensor, 0, len(h.sensors))
	for _, s := range h.sensors {
		if s.IsActive() || !onlyActive {
			sensors = append(sensors, s)
		}
	}
	return sensors
}

func (h *Hub) clone() *Hub {
	return &Hub{name: h.name, sensors: append([]*Sensor(nil), h.sensors...)}
}
