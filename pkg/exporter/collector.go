package exporter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimdanitro/greensens-scraper-go/pkg/greensens"
)

const namespace = "greensens"

// Source is the part of the client the collector reads from.
type Source interface {
	Snapshot() greensens.Snapshot
}

// Collector exposes the last polled state of a GreenSens account. Collecting
// never triggers a request to the API.
type Collector struct {
	source Source

	up             *prometheus.Desc
	hubs           *prometheus.Desc
	sensors        *prometheus.Desc
	chargeLevel    *prometheus.Desc
	lastConnection *prometheus.Desc
	notifications  *prometheus.Desc
	lastUpdate     *prometheus.Desc
}

func NewCollector(source Source) *Collector {
	sensorLabels := []string{"sensor_id", "hub", "plant"}
	return &Collector{
		source: source,
		up: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "up"),
			"Whether the client holds an access token and the last call succeeded.", nil, nil),
		hubs: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "hubs"),
			"Number of registered hubs.", nil, nil),
		sensors: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "sensors"),
			"Number of sensors.", []string{"state"}, nil),
		chargeLevel: prometheus.NewDesc(prometheus.BuildFQName(namespace, "sensor", "charge_level"),
			"Battery charge level of active sensors.", sensorLabels, nil),
		lastConnection: prometheus.NewDesc(prometheus.BuildFQName(namespace, "sensor", "last_connection_seconds"),
			"Unix time of the sensor's last connection.", sensorLabels, nil),
		notifications: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "notifications"),
			"Notifications in the last notification response.", nil, nil),
		lastUpdate: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "last_update_seconds"),
			"Unix time of the last successful sensor fetch.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.hubs
	ch <- c.sensors
	ch <- c.chargeLevel
	ch <- c.lastConnection
	ch <- c.notifications
	ch <- c.lastUpdate
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()

	up := 0.0
	if snap.Authenticated && snap.LastError == "OK" {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)
	ch <- prometheus.MustNewConstMetric(c.hubs, prometheus.GaugeValue, float64(len(snap.Hubs)))
	ch <- prometheus.MustNewConstMetric(c.notifications, prometheus.GaugeValue, float64(snap.NotificationCount))

	if !snap.Taken.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastUpdate, prometheus.GaugeValue, float64(snap.Taken.Unix()))
	}

	var all, active int
	// the API does not guarantee unique sensor IDs; duplicates would break the registry
	seen := map[string]bool{}
	for _, hub := range snap.Hubs {
		all += hub.SensorCount(false)
		active += hub.SensorCount(true)

		for _, s := range hub.Sensors(false) {
			if seen[s.ID()] {
				continue
			}
			seen[s.ID()] = true

			labels := []string{s.ID(), hub.Name(), s.PlantNameEN()}
			ch <- prometheus.MustNewConstMetric(c.lastConnection, prometheus.GaugeValue,
				float64(s.LastConnection().Unix()), labels...)
			if level, ok := s.ChargeLevel(); ok {
				ch <- prometheus.MustNewConstMetric(c.chargeLevel, prometheus.GaugeValue, float64(level), labels...)
			}
		}
	}
	ch <- prometheus.MustNewConstMetric(c.sensors, prometheus.GaugeValue, float64(all), "all")
	ch <- prometheus.MustNewConstMetric(c.sensors, prometheus.GaugeValue, float64(active), "active")
}
