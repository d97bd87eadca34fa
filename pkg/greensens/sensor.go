package greensens

import (
	"maps"
	"math"
	"time"

	"github.com/spf13/cast"
)

// Sensor is the latest known state of one monitoring device.
type Sensor struct {
	sensorID       string
	id             int
	isReset        bool
	plantID        int
	link           string
	plantNameEN    string
	plantNameDE    string
	plantNameLA    string
	lastConnection time.Time
	chargeLevel    *int
	raw            map[string]any
}

// NewSensor builds a Sensor from one entry of a hub's "plants" array.
// chargeLevel is only read when the sensor is not reset. The sensor keeps its
// own copy of raw.
func NewSensor(raw map[string]any) (*Sensor, error) {
	s := &Sensor{raw: maps.Clone(raw)}
	var err error

	if s.sensorID, err = stringField(raw, "sensorID"); err != nil {
		return nil, err
	}
	if s.id, err = intField(raw, "id"); err != nil {
		return nil, err
	}
	if s.isReset, err = boolField(raw, "isReset"); err != nil {
		return nil, err
	}
	if s.plantID, err = intField(raw, "plantId"); err != nil {
		return nil, err
	}
	if s.link, err = stringField(raw, "link"); err != nil {
		return nil, err
	}
	if s.plantNameEN, err = stringField(raw, "plantNameEN"); err != nil {
		return nil, err
	}
	if s.plantNameDE, err = stringField(raw, "plantNameDE"); err != nil {
		return nil, err
	}
	if s.plantNameLA, err = stringField(raw, "plantNameLA"); err != nil {
		return nil, err
	}
	if s.lastConnection, err = epochField(raw, "lastConnection"); err != nil {
		return nil, err
	}
	if !s.isReset {
		level, err := intField(raw, "chargeLevel")
		if err != nil {
			return nil, err
		}
		s.chargeLevel = &level
	}

	return s, nil
}

func (s *Sensor) IsActive() bool {
	return !s.isReset
}

// Data returns the payload the sensor was built from, including fields the
// typed accessors do not expose.
func (s *Sensor) Data() map[string]any {
	return maps.Clone(s.raw)
}

// ID returns the external sensorID.
func (s *Sensor) ID() string {
	return s.sensorID
}

func (s *Sensor) NumericID() int            { return s.id }
func (s *Sensor) IsReset() bool             { return s.isReset }
func (s *Sensor) PlantID() int              { return s.plantID }
func (s *Sensor) Link() string              { return s.link }
func (s *Sensor) PlantNameEN() string       { return s.plantNameEN }
func (s *Sensor) PlantNameDE() string       { return s.plantNameDE }
func (s *Sensor) PlantNameLA() string       { return s.plantNameLA }
func (s *Sensor) LastConnection() time.Time { return s.lastConnection }

// ChargeLevel reports the battery level. ok is false for reset sensors.
func (s *Sensor) ChargeLevel() (level int, ok bool) {
	if s.chargeLevel == nil {
		return 0, false
	}
	return *s.chargeLevel, true
}

func lookup(raw map[string]any, key string) (any, error) {
	v, ok := raw[key]
	if !ok {
		return nil, NewMissingFieldError(key)
	}
	return v, nil
}

func stringField(raw map[string]any, key string) (string, error) {
	v, err := lookup(raw, key)
	if err != nil {
		return "", err
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", NewTypeConversionError(key, v, err)
	}
	return s, nil
}

func intField(raw map[string]any, key string) (int, error) {
	v, err := lookup(raw, key)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, NewTypeConversionError(key, v, nil)
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return 0, NewTypeConversionError(key, v, err)
	}
	return i, nil
}

func boolField(raw map[string]any, key string) (bool, error) {
	v, err := lookup(raw, key)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case float64:
		return b != 0, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, NewTypeConversionError(key, v, err)
	}
	return b, nil
}

// epochField decodes seconds since the Unix epoch, fractional seconds allowed.
func epochField(raw map[string]any, key string) (time.Time, error) {
	v, err := lookup(raw, key)
	if err != nil {
		return time.Time{}, err
	}
	if v == nil {
		return time.Time{}, NewTypeConversionError(key, v, nil)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return time.Time{}, NewTypeConversionError(key, v, err)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)), nil
}
