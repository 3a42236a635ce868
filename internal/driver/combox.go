package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/homeprobe/homeprobe/internal/config"
)

// combox screen-scrapes a Schneider Conext Combox solar/battery gateway.
// The device has no documented API; this speaks to the same endpoints its
// own webapp uses. Values arrive double-encoded: a JSON envelope whose
// fields hold entity-escaped JSON strings.
type combox struct {
	mc config.Module
}

func newCombox(mc config.Module) *combox {
	return &combox{mc: mc}
}

// comboxField maps one raw gateway field to a metric. Scale divides the raw
// value; States turns an enum value into a state label.
type comboxField struct {
	key    string
	metric string
	help   string
	scale  float64
	states map[int]string
}

var comboxOpStates = map[int]string{
	255: "no data", 5: "remote power off", 4: "diagnostic", 3: "operating",
	2: "standby", 1: "power save", 0: "hibernate",
}

// comboxFields is ordered: collection emits fields in this sequence so the
// rendered output is byte-stable across probes.
var comboxFields = []comboxField{
	{key: "Active", metric: "is_active", help: "1 if device active, 0 otherwise"},
	{key: "InvEn", metric: "inverter_enabled", help: "1 if inverter enabled, 0 otherwise"},
	{key: "ChgEn", metric: "charger_enabled", help: "1 if charger enabled, 0 otherwise"},
	{key: "OpState", metric: "operating_state", help: "device state", states: comboxOpStates},
	{key: "ActiveFlt", metric: "active_faults", help: "number of active faults now"},
	{key: "ActiveWrn", metric: "active_warnings", help: "number of active warnings now"},
	{key: "VdcIn", metric: "dc_battery_v", help: "battery voltage", scale: 1000},
	{key: "IdcIn", metric: "dc_battery_a", help: "battery current (A)", scale: 1000},
	{key: "PdcIn", metric: "dc_battery_power_w", help: "battery power (W)"},
	{key: "Tbatt", metric: "battery_temp_c", help: "battery temp (degrees Celsius)"},
	{key: "VacIn1", metric: "ac1_v", help: "AC1 L1-L2 voltage", scale: 1000},
	{key: "IacIn1", metric: "ac1_a", help: "AC1 input current (A)", scale: 1000},
	{key: "FacIn1", metric: "ac1_frequency_hz", help: "AC1 frequency (Hz)", scale: 100},
	{key: "PacIn1", metric: "ac1_power_w", help: "AC1 power input (W)"},
	{key: "VacOut1", metric: "ac1_out_v", help: "AC1 output L1-L2 voltage", scale: 1000},
	{key: "PacOut1", metric: "ac1_out_power_w", help: "AC1 output power (W)"},
	{key: "BattSOC", metric: "battery_soc_pct", help: "battery state of charge (percent)"},
}

type comboxDeviceRef struct {
	Family   string `json:"family"`
	UniqueID int64  `json:"UniqueID"`
}

func (d *combox) Collect(ctx context.Context, req Request) ([]Sample, error) {
	base := req.Address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	base = strings.TrimRight(base, "/")

	// Fresh session per probe; the gateway's sessions are cookie-based and
	// time out quickly anyway.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("combox: cookie jar: %w", err)
	}
	client := &http.Client{Jar: jar}

	form := url.Values{
		"login_username": []string{d.mc.User},
		"login_password": []string{d.mc.Password()},
		"submit":         []string{"Log In"},
	}
	if err := postForm(ctx, client, base+"/login.cgi", form, nil); err != nil {
		return nil, err
	}

	var refs []comboxDeviceRef
	if err := d.fetchValue(ctx, client, base, "XBGATEWAY.DEVLIST", &refs); err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: empty device list from %s", ErrProtocol, req.Target)
	}

	var samples []Sample
	for _, ref := range refs {
		name := fmt.Sprintf("%s(%d).INFO", ref.Family, ref.UniqueID)
		var info map[string]any
		if err := d.fetchValue(ctx, client, base, name, &info); err != nil {
			return nil, err
		}
		samples = append(samples, comboxDeviceSamples(info)...)
	}
	return samples, nil
}

// fetchValue reads one named variable from the gateway and decodes the
// JSON hidden inside its escaped string value. The gateway answers 200
// with an empty value when the session is not authenticated.
func (d *combox) fetchValue(ctx context.Context, client *http.Client, base, name string, out any) error {
	var envelope struct {
		Values map[string]string `json:"values"`
	}
	u := base + "/gethandler.json?name=" + url.QueryEscape(name)
	if err := getJSON(ctx, client, u, nil, &envelope); err != nil {
		return err
	}
	raw, ok := envelope.Values[name]
	if !ok || raw == "" {
		return &UnauthorizedError{Err: fmt.Errorf("empty value for %s, session not accepted", name)}
	}
	cleaned := strings.NewReplacer("&#0D;&#0A;", "\n", "&#22;", `"`, "&#09;", " ").Replace(raw)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrProtocol, name, err)
	}
	return nil
}

func comboxDeviceSamples(info map[string]any) []Sample {
	deviceName, _ := info["DeviceName"].(string)
	uniqueID := fmt.Sprintf("%v", info["UniqueIDNumber"])
	labels := L("name", deviceName, "device_id", uniqueID)

	var samples []Sample
	for _, f := range comboxFields {
		raw, ok := info[f.key]
		if !ok {
			continue
		}
		v, ok := comboxNumber(raw)
		if !ok {
			continue
		}
		if f.key == "Tbatt" {
			if v == 65535 {
				continue // temperature sensor not connected
			}
			v = v/100 - 273 // Kelvins to degrees Celsius
		}
		ls := labels
		if f.states != nil {
			if state, ok := f.states[int(v)]; ok {
				ls = append(append([]Label{}, labels...), Label{Name: "state", Value: state})
			}
		}
		if f.scale > 0 {
			v /= f.scale
		}
		samples = append(samples, Sample{Name: f.metric, Help: f.help, Labels: ls, Value: v})
	}
	return samples
}

// comboxNumber parses a raw gateway value; most arrive as strings.
func comboxNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
