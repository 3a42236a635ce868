package driver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/homeprobe/homeprobe/internal/config"
	"github.com/homeprobe/homeprobe/internal/token"
)

const tankUtilityAPI = "https://data.tankutility.com/api"

// tankUtilityTokenTTL is half the documented 24 hour token lifetime, so a
// token is never presented close to its expiry.
const tankUtilityTokenTTL = 12 * time.Hour

// tankUtility reads propane tank monitors. The API exchanges basic-auth
// credentials for a short-lived token that rides in the query string.
type tankUtility struct {
	mc     config.Module
	base   string
	client *http.Client
	tokens *token.Store
}

func newTankUtility(mc config.Module, tokens *token.Store) *tankUtility {
	d := &tankUtility{mc: mc, base: mc.BaseURL, client: newHTTPClient(), tokens: tokens}
	if d.base == "" {
		d.base = tankUtilityAPI
	}
	for _, account := range mc.Accounts {
		tokens.RegisterRefresher(account, d.refresher(account))
	}
	return d
}

func (d *tankUtility) refresher(account string) token.RefreshFunc {
	return func(ctx context.Context, _ token.Token) (token.Token, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/getToken", nil)
		if err != nil {
			return token.Token{}, fmt.Errorf("build request: %w", err)
		}
		req.SetBasicAuth(account, d.mc.Password())
		resp, err := d.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return token.Token{}, ctx.Err()
			}
			return token.Token{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return token.Token{}, fmt.Errorf("account %q: %w", account, token.ErrAuthFailed)
		case resp.StatusCode != http.StatusOK:
			return token.Token{}, fmt.Errorf("%w: status %d from getToken", ErrProtocol, resp.StatusCode)
		}
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return token.Token{}, err
		}
		return token.Token{Value: body.Token, TTL: tankUtilityTokenTTL}, nil
	}
}

func (d *tankUtility) get(ctx context.Context, account, path string, out any) error {
	tok, err := d.tokens.Get(ctx, account)
	if err != nil {
		return err
	}
	return unauthorizedFor(account, getJSON(ctx, d.client, d.base+path+"?token="+tok.Value, nil, out))
}

type tankDevices struct {
	Devices []string `json:"devices"`
}

type tankDevice struct {
	Device struct {
		Name     string  `json:"name"`
		Address  string  `json:"address"`
		Capacity float64 `json:"capacity"`
		LastRead struct {
			Tank        float64 `json:"tank"`
			Temperature float64 `json:"temperature"`
			TimeISO     string  `json:"time_iso"`
		} `json:"lastReading"`
	} `json:"device"`
}

func (d *tankUtility) Collect(ctx context.Context, req Request) ([]Sample, error) {
	var samples []Sample
	for _, account := range d.mc.Accounts {
		var devices tankDevices
		if err := d.get(ctx, account, "/devices", &devices); err != nil {
			return nil, err
		}
		for _, id := range devices.Devices {
			var dev tankDevice
			if err := d.get(ctx, account, "/devices/"+id, &dev); err != nil {
				return nil, err
			}
			t := dev.Device
			labels := L("device_id", id, "name", t.Name)
			samples = append(samples,
				Sample{Name: "tank_pct", Help: "tank level (percent full)", Labels: labels, Value: t.LastRead.Tank},
				Sample{Name: "tank_capacity_gal", Help: "tank capacity (gallons)", Labels: labels, Value: t.Capacity},
				Sample{Name: "temp_c", Help: "temperature at the tank (degrees Celsius)", Labels: labels, Value: fToC(t.LastRead.Temperature)},
			)
			if ts, err := time.Parse(time.RFC3339, t.LastRead.TimeISO); err == nil {
				samples = append(samples, Sample{
					Name: "last_reading_timestamp_seconds", Help: "when the tank was last read (sec past epoch)",
					Labels: labels, Value: float64(ts.Unix()),
				})
			}
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no tanks for %s", ErrProtocol, req.Target)
	}
	return samples, nil
}
