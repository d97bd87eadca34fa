package greensens

import (
	"time"
)

const (
	dateLayout      = "2006-01-02 15:04:05"
	dateLayoutMicro = "2006-01-02 15:04:05.000000"
)

// Notification is one alert directed at the user. SensorID and PlantID are
// zero values when the alert is not tied to a plant.
type Notification struct {
	date     time.Time
	message  string
	sensorID string
	plantID  int
	hasPlant bool
}

func NewNotification(raw map[string]any) (*Notification, error) {
	n := &Notification{}
	var err error

	if n.date, err = epochField(raw, "date"); err != nil {
		return nil, err
	}
	if n.message, err = stringField(raw, "message"); err != nil {
		return nil, err
	}
	model, err := lookup(raw, "plantModel")
	if err != nil {
		return nil, err
	}
	if model == nil {
		return n, nil
	}

	plant, ok := model.(map[string]any)
	if !ok {
		return nil, NewTypeConversionError("plantModel", model, nil)
	}
	if n.sensorID, err = stringField(plant, "sensorID"); err != nil {
		return nil, err
	}
	if n.plantID, err = intField(plant, "plantId"); err != nil {
		return nil, err
	}
	n.hasPlant = true

	return n, nil
}

// Describe formats the notification as "<date>::<message>".
func (n *Notification) Describe() string {
	return formatDate(n.date) + "::" + n.message
}

func (n *Notification) Date() time.Time  { return n.date }
func (n *Notification) Message() string  { return n.message }
func (n *Notification) SensorID() string { return n.sensorID }
func (n *Notification) PlantID() int     { return n.plantID }
func (n *Notification) HasPlant() bool   { return n.hasPlant }

func formatDate(t time.Time) string {
	t = t.Local()
	if t.Nanosecond()/int(time.Microsecond) != 0 {
		return t.Format(dateLayoutMicro)
	}
	return t.Format(dateLayout)
}
