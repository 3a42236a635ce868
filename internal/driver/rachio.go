package driver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/homeprobe/homeprobe/internal/config"
)

const rachioAPI = "https://api.rach.io/1/public"

// rachio reads irrigation controllers through the Rachio public API,
// authenticated by a personal access token.
type rachio struct {
	mc     config.Module
	base   string
	client *http.Client
}

func newRachio(mc config.Module) *rachio {
	base := mc.BaseURL
	if base == "" {
		base = rachioAPI
	}
	return &rachio{mc: mc, base: base, client: newHTTPClient()}
}

func (d *rachio) get(ctx context.Context, path string, out any) error {
	header := http.Header{"Authorization": []string{"Bearer " + d.mc.AccessToken()}}
	return unauthorizedFor("", getJSON(ctx, d.client, d.base+path, header, out))
}

type rachioPerson struct {
	ID      string `json:"id"`
	Devices []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
		Zones  []struct {
			ZoneNumber          int     `json:"zoneNumber"`
			Name                string  `json:"name"`
			Enabled             bool    `json:"enabled"`
			LastWateredDate     float64 `json:"lastWateredDate"`
			LastWateredDuration float64 `json:"lastWateredDuration"`
		} `json:"zones"`
	} `json:"devices"`
}

func (d *rachio) Collect(ctx context.Context, req Request) ([]Sample, error) {
	var who struct {
		ID string `json:"id"`
	}
	if err := d.get(ctx, "/person/info", &who); err != nil {
		return nil, err
	}

	var person rachioPerson
	if err := d.get(ctx, "/person/"+who.ID, &person); err != nil {
		return nil, err
	}

	var samples []Sample
	for _, dev := range person.Devices {
		devLabels := L("device_id", dev.ID, "name", dev.Name)
		samples = append(samples, Sample{
			Name: "up", Help: "1 if device is on and communicating, 0 otherwise",
			Labels: devLabels, Value: boolValue(strings.EqualFold(dev.Status, "online")),
		})
		for _, z := range dev.Zones {
			if !z.Enabled {
				continue
			}
			zoneLabels := L("device_id", dev.ID, "name", dev.Name,
				"zone", strconv.Itoa(z.ZoneNumber), "zone_name", z.Name)
			if z.LastWateredDate > 0 {
				samples = append(samples, Sample{
					Name: "last_watered_timestamp_seconds", Help: "when the zone was last watered (sec past epoch)",
					Labels: zoneLabels, Value: z.LastWateredDate / 1000,
				})
			}
			if z.LastWateredDuration > 0 {
				samples = append(samples, Sample{
					Name: "last_watered_duration_seconds", Help: "duration of last watering (sec)",
					Labels: zoneLabels, Value: z.LastWateredDuration,
				})
			}
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no devices for %s", ErrProtocol, req.Target)
	}
	return samples, nil
}
