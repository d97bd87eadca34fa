// Package sink forwards polled GreenSens state to external systems.
package sink

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/multierr"

	"github.com/nimdanitro/greensens-scraper-go/pkg/greensens"
)

type Sink interface {
	Write(ctx context.Context, snap greensens.Snapshot) error
	Close() error
}

// Multi writes to every sink and combines their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, snap greensens.Snapshot) (err error) {
	for _, s := range m {
		err = multierr.Append(err, s.Write(ctx, snap))
	}
	return err
}

func (m Multi) Close() (err error) {
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// Fresh forwards a snapshot only when it was taken after the last one it
// forwarded. A failed poll keeps the previous Taken, so its snapshot is dropped
// instead of being stored again.
type Fresh struct {
	Sink
	last time.Time
}

func NewFresh(s Sink) *Fresh {
	return &Fresh{Sink: s}
}

func (f *Fresh) Write(ctx context.Context, snap greensens.Snapshot) error {
	if !snap.Taken.After(f.last) {
		return nil
	}
	f.last = snap.Taken
	return f.Sink.Write(ctx, snap)
}

// reading is the JSON document published for one sensor.
type reading struct {
	SensorID       string         `json:"sensorId"`
	Hub            string         `json:"hub"`
	Active         bool           `json:"active"`
	ChargeLevel    *int           `json:"chargeLevel,omitempty"`
	LastConnection time.Time      `json:"lastConnection"`
	Polled         time.Time      `json:"polled"`
	Raw            map[string]any `json:"raw"`
}

func newReading(hub *greensens.Hub, s *greensens.Sensor, polled time.Time) reading {
	r := reading{
		SensorID:       s.ID(),
		Hub:            hub.Name(),
		Active:         s.IsActive(),
		LastConnection: s.LastConnection().UTC(),
		Polled:         polled.UTC(),
		Raw:            s.Data(),
	}
	if level, ok := s.ChargeLevel(); ok {
		r.ChargeLevel = &level
	}
	return r
}

func (r reading) marshal() ([]byte, error) {
	return json.Marshal(r)
}
