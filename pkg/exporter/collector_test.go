package exporter

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nimdanitro/greensens-scraper-go/pkg/greensens"
)

type staticSource greensens.Snapshot

func (s staticSource) Snapshot() greensens.Snapshot { return greensens.Snapshot(s) }

func sensor(t *testing.T, id string, reset bool, charge int) *greensens.Sensor {
	t.Helper()
	raw := map[string]any{
		"sensorID":       id,
		"id":             1.0,
		"isReset":        reset,
		"plantId":        2.0,
		"link":           "",
		"plantNameEN":    "Basil",
		"plantNameDE":    "Basilikum",
		"plantNameLA":    "Ocimum basilicum",
		"lastConnection": 1700000000.0,
	}
	if !reset {
		raw["chargeLevel"] = float64(charge)
	}
	s, err := greensens.NewSensor(raw)
	if err != nil {
		t.Fatalf("NewSensor: %v", err)
	}
	return s
}

func testSnapshot(t *testing.T) greensens.Snapshot {
	hub := greensens.NewHub("Balcony")
	hub.AddSensor(sensor(t, "GS-1", false, 80))
	hub.AddSensor(sensor(t, "GS-2", true, 0))
	hub.AddSensor(sensor(t, "GS-1", false, 10))

	return greensens.Snapshot{
		Taken:             time.Unix(1700000100, 0),
		Hubs:              []*greensens.Hub{hub},
		Authenticated:     true,
		NotificationCount: 3,
		LastError:         "OK",
	}
}

func TestCollector(t *testing.T) {
	c := NewCollector(staticSource(testSnapshot(t)))

	expected := `
# HELP greensens_up Whether the client holds an access token and the last call succeeded.
# TYPE greensens_up gauge
greensens_up 1
# HELP greensens_hubs Number of registered hubs.
# TYPE greensens_hubs gauge
greensens_hubs 1
# HELP greensens_sensors Number of sensors.
# TYPE greensens_sensors gauge
greensens_sensors{state="active"} 2
greensens_sensors{state="all"} 3
# HELP greensens_sensor_charge_level Battery charge level of active sensors.
# TYPE greensens_sensor_charge_level gauge
greensens_sensor_charge_level{hub="Balcony",plant="Basil",sensor_id="GS-1"} 80
# HELP greensens_notifications Notifications in the last notification response.
# TYPE greensens_notifications gauge
greensens_notifications 3
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"greensens_up", "greensens_hubs", "greensens_sensors", "greensens_sensor_charge_level", "greensens_notifications")
	if err != nil {
		t.Error(err)
	}

	if n := testutil.CollectAndCount(c, "greensens_sensor_last_connection_seconds"); n != 2 {
		t.Errorf("last connection series = %d, want 2", n)
	}
}

func TestCollectorDown(t *testing.T) {
	c := NewCollector(staticSource(greensens.Snapshot{LastError: "bad credentials"}))

	expected := `
# HELP greensens_up Whether the client holds an access token and the last call succeeded.
# TYPE greensens_up gauge
greensens_up 0
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "greensens_up"); err != nil {
		t.Error(err)
	}
	if n := testutil.CollectAndCount(c, "greensens_last_update_seconds"); n != 0 {
		t.Errorf("last update reported before any fetch")
	}
}

func TestCollectorLint(t *testing.T) {
	problems, err := testutil.CollectAndLint(NewCollector(staticSource(testSnapshot(t))))
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range problems {
		t.Errorf("lint %s: %s", p.Metric, p.Text)
	}
}
