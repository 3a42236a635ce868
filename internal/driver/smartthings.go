package driver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/homeprobe/homeprobe/internal/config"
)

const smartThingsAPI = "https://api.smartthings.com/v1"

// smartThingsLocationTTL bounds how long the location name map is reused.
// Locations change rarely and the endpoint is rate limited.
const smartThingsLocationTTL = 30 * time.Minute

// smartThings reads device status through the SmartThings REST API using a
// personal access token from configuration.
type smartThings struct {
	mc     config.Module
	base   string
	client *http.Client

	mu          sync.Mutex
	locations   map[string]string
	locationsAt time.Time
	now         func() time.Time
}

func newSmartThings(mc config.Module) *smartThings {
	base := mc.BaseURL
	if base == "" {
		base = smartThingsAPI
	}
	return &smartThings{mc: mc, base: base, client: newHTTPClient(), now: time.Now}
}

func (d *smartThings) get(ctx context.Context, path string, out any) error {
	header := http.Header{"Authorization": []string{"Bearer " + d.mc.AccessToken()}}
	return unauthorizedFor("", getJSON(ctx, d.client, d.base+path, header, out))
}

type stLocations struct {
	Items []struct {
		LocationID string `json:"locationId"`
		Name       string `json:"name"`
	} `json:"items"`
}

type stDevices struct {
	Items []stDevice `json:"items"`
}

type stDevice struct {
	DeviceID   string `json:"deviceId"`
	Label      string `json:"label"`
	LocationID string `json:"locationId"`
}

type stStatus struct {
	Components map[string]map[string]map[string]struct {
		Value any    `json:"value"`
		Unit  string `json:"unit"`
	} `json:"components"`
}

// locationNames returns the locationId -> name map, cached briefly.
func (d *smartThings) locationNames(ctx context.Context) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locations != nil && d.now().Sub(d.locationsAt) < smartThingsLocationTTL {
		return d.locations, nil
	}
	var locs stLocations
	if err := d.get(ctx, "/locations", &locs); err != nil {
		return nil, err
	}
	m := map[string]string{}
	for _, l := range locs.Items {
		m[l.LocationID] = l.Name
	}
	d.locations, d.locationsAt = m, d.now()
	return m, nil
}

func (d *smartThings) Collect(ctx context.Context, req Request) ([]Sample, error) {
	locations, err := d.locationNames(ctx)
	if err != nil {
		return nil, err
	}

	var devices stDevices
	if err := d.get(ctx, "/devices", &devices); err != nil {
		return nil, err
	}

	var samples []Sample
	for _, dev := range devices.Items {
		var status stStatus
		if err := d.get(ctx, "/devices/"+dev.DeviceID+"/status", &status); err != nil {
			return nil, err
		}
		samples = append(samples, stDeviceSamples(dev, locations[dev.LocationID], status)...)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no devices for %s", ErrProtocol, req.Target)
	}
	return samples, nil
}

// stDeviceSamples translates the main component's capabilities we track.
func stDeviceSamples(dev stDevice, location string, status stStatus) []Sample {
	main, ok := status.Components["main"]
	if !ok {
		return nil
	}
	labels := L("device_id", dev.DeviceID, "name", dev.Label, "location", location)

	var samples []Sample
	gauge := func(name, help string, v float64) {
		samples = append(samples, Sample{Name: name, Help: help, Labels: labels, Value: v})
	}

	if sw, ok := main["switch"]["switch"]; ok {
		on := 0.0
		if sw.Value == "on" {
			on = 1
		}
		gauge("switch_on", "1 if the switch is on", on)
	}
	if lv, ok := main["switchLevel"]["level"]; ok {
		if v, ok := toFloat(lv.Value); ok {
			gauge("level_pct", "dimmer level (percent)", v)
		}
	}
	if tm, ok := main["temperatureMeasurement"]["temperature"]; ok {
		if v, ok := toFloat(tm.Value); ok {
			if tm.Unit == "F" {
				v = fToC(v)
			}
			gauge("temp_c", "temperature (degrees Celsius)", v)
		}
	}
	if rh, ok := main["relativeHumidityMeasurement"]["humidity"]; ok {
		if v, ok := toFloat(rh.Value); ok {
			gauge("humidity_pct", "relative humidity", v)
		}
	}
	if bat, ok := main["battery"]["battery"]; ok {
		if v, ok := toFloat(bat.Value); ok {
			gauge("battery_pct", "battery level (percent)", v)
		}
	}
	if cs, ok := main["contactSensor"]["contact"]; ok {
		open := 0.0
		if cs.Value == "open" {
			open = 1
		}
		gauge("contact_open", "1 if the contact sensor is open", open)
	}
	if ms, ok := main["motionSensor"]["motion"]; ok {
		active := 0.0
		if ms.Value == "active" {
			active = 1
		}
		gauge("motion_active", "1 if motion is detected", active)
	}
	return samples
}
