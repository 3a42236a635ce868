package driver

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/homeprobe/homeprobe/internal/config"
)

const ambientWeatherAPI = "https://api.ambientweather.net/v1"

// ambientWeather reads weather stations through the Ambient Weather cloud
// API, authenticated by an application key plus a per-user API key.
type ambientWeather struct {
	mc     config.Module
	base   string
	client *http.Client
}

func newAmbientWeather(mc config.Module) *ambientWeather {
	base := mc.BaseURL
	if base == "" {
		base = ambientWeatherAPI
	}
	return &ambientWeather{mc: mc, base: base, client: newHTTPClient()}
}

type awDevice struct {
	MacAddress string `json:"macAddress"`
	Info       struct {
		Name string `json:"name"`
	} `json:"info"`
	LastData map[string]any `json:"lastData"`
}

func (d *ambientWeather) Collect(ctx context.Context, req Request) ([]Sample, error) {
	q := url.Values{
		"applicationKey": []string{d.mc.ApplicationKey()},
		"apiKey":         []string{d.mc.APIKey()},
	}
	var devices []awDevice
	err := getJSON(ctx, d.client, d.base+"/devices?"+q.Encode(), nil, &devices)
	if err != nil {
		return nil, unauthorizedFor("", err)
	}

	var samples []Sample
	for _, dev := range devices {
		// Target selects one station by MAC; "all" probes every station
		// on the account.
		if req.Target != "all" && !strings.EqualFold(req.Target, dev.MacAddress) {
			continue
		}
		samples = append(samples, awStationSamples(dev)...)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no station matching %q", ErrProtocol, req.Target)
	}
	return samples, nil
}

// awStationSamples translates one station's lastData report. Only fields we
// understand are emitted; the report carries many more.
func awStationSamples(dev awDevice) []Sample {
	station := L("mac", dev.MacAddress, "name", dev.Info.Name)
	sensor := func(s string) []Label {
		return append(append([]Label{}, station...), Label{Name: "sensor", Value: s})
	}

	var samples []Sample
	gauge := func(name, help string, labels []Label, v float64) {
		samples = append(samples, Sample{Name: name, Help: help, Labels: labels, Value: v})
	}

	for _, k := range awFieldOrder(dev.LastData) {
		v, ok := toFloat(dev.LastData[k])
		if !ok {
			continue
		}
		switch {
		case k == "winddir":
			gauge("wind_direction_degrees", "wind direction", station, v)
		case k == "windspeedmph":
			gauge("wind_speed_mph", "wind speed", station, v)
		case k == "windgustmph":
			gauge("wind_gust_10m_mph", "max wind gust (10 min)", station, v)
		case k == "humidity":
			gauge("humidity_pct", "relative humidity", sensor("outdoor"), v)
		case k == "humidityin":
			gauge("humidity_pct", "relative humidity", sensor("indoor"), v)
		case strings.HasPrefix(k, "humidity"):
			gauge("humidity_pct", "relative humidity", sensor(strings.TrimPrefix(k, "humidity")), v)
		case k == "tempf":
			gauge("temp_c", "temperature (degrees Celsius)", sensor("outdoor"), fToC(v))
		case k == "tempinf":
			gauge("temp_c", "temperature (degrees Celsius)", sensor("indoor"), fToC(v))
		case strings.HasPrefix(k, "temp") && strings.HasSuffix(k, "f"):
			s := strings.TrimSuffix(strings.TrimPrefix(k, "temp"), "f")
			gauge("temp_c", "temperature (degrees Celsius)", sensor(s), fToC(v))
		case strings.HasPrefix(k, "batt"):
			gauge("battery_good", "1 if battery is good", sensor(strings.TrimPrefix(k, "batt")), v)
		case k == "baromrelin":
			gauge("barometer_rel_inhg", "relative barometric pressure (inHg)", station, v)
		case k == "dailyrainin":
			gauge("rain_today_in", "rain since midnight (inches)", station, v)
		case k == "solarradiation":
			gauge("solar_radiation_wm2", "solar radiation (W/m^2)", station, v)
		case k == "uv":
			gauge("uv_index", "UV index", station, v)
		}
	}
	return samples
}

// awFieldOrder returns lastData keys in a fixed order so rendering is
// deterministic across probes.
func awFieldOrder(lastData map[string]any) []string {
	known := []string{
		"winddir", "windspeedmph", "windgustmph",
		"tempf", "tempinf", "humidity", "humidityin",
		"baromrelin", "dailyrainin", "solarradiation", "uv",
	}
	seen := map[string]bool{}
	var keys []string
	for _, k := range known {
		if _, ok := lastData[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	// Remaining prefixed families (temp2f, humidity3, batt1...) sorted for
	// stability.
	var rest []string
	for k := range lastData {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func fToC(f float64) float64 {
	// One decimal, matching what the stations themselves report.
	return math.Round((f-32)*5/9*10) / 10
}

var _ Driver = (*ambientWeather)(nil)
