package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/homeprobe/homeprobe/internal/config"
	"github.com/homeprobe/homeprobe/internal/token"
)

const floAPI = "https://api-gw.meetflo.com"

// flo reads Flo by Moen water monitors through their cloud API. The session
// token comes from the token store; the refresher re-logs-in with the
// configured password, so no interactive step is ever needed.
type flo struct {
	mc     config.Module
	base   string
	client *http.Client
	tokens *token.Store
}

func newFlo(mc config.Module, tokens *token.Store) *flo {
	d := &flo{mc: mc, base: mc.BaseURL, client: newHTTPClient(), tokens: tokens}
	if d.base == "" {
		d.base = floAPI
	}
	for _, account := range mc.Accounts {
		tokens.RegisterRefresher(account, d.refresher(account))
	}
	return d
}

func (d *flo) refresher(account string) token.RefreshFunc {
	return func(ctx context.Context, _ token.Token) (token.Token, error) {
		body := map[string]string{"username": account, "password": d.mc.Password()}
		var resp struct {
			Token          string `json:"token"`
			TokenExpiresIn int64  `json:"tokenExpiration"`
		}
		err := postJSON(ctx, d.client, d.base+"/api/v1/users/auth", body, &resp)
		if err != nil {
			if errors.Is(err, errStatusUnauthorized) {
				return token.Token{}, fmt.Errorf("account %q: %w", account, token.ErrAuthFailed)
			}
			return token.Token{}, err
		}
		return token.Token{Value: resp.Token, TTL: secondsDuration(resp.TokenExpiresIn)}, nil
	}
}

func (d *flo) get(ctx context.Context, account, path string, out any) error {
	tok, err := d.tokens.Get(ctx, account)
	if err != nil {
		return err
	}
	header := http.Header{"Authorization": []string{tok.Value}}
	return unauthorizedFor(account, getJSON(ctx, d.client, d.base+path, header, out))
}

type floUser struct {
	Locations []struct {
		ID       string `json:"id"`
		Nickname string `json:"nickname"`
		Devices  []struct {
			ID string `json:"id"`
		} `json:"devices"`
	} `json:"locations"`
}

type floDevice struct {
	MacAddress  string `json:"macAddress"`
	Nickname    string `json:"nickname"`
	IsConnected bool   `json:"isConnected"`
	Valve       struct {
		LastKnown string `json:"lastKnown"`
	} `json:"valve"`
	Telemetry struct {
		Current struct {
			GPM   float64 `json:"gpm"`
			PSI   float64 `json:"psi"`
			TempF float64 `json:"tempF"`
		} `json:"current"`
	} `json:"telemetry"`
}

func (d *flo) Collect(ctx context.Context, req Request) ([]Sample, error) {
	var samples []Sample
	for _, account := range d.mc.Accounts {
		var user floUser
		if err := d.get(ctx, account, "/api/v2/users/me?expand=locations", &user); err != nil {
			return nil, err
		}
		for _, loc := range user.Locations {
			for _, dev := range loc.Devices {
				var device floDevice
				if err := d.get(ctx, account, "/api/v2/devices/"+dev.ID, &device); err != nil {
					return nil, err
				}
				labels := L("mac", device.MacAddress, "location", loc.Nickname, "name", device.Nickname)
				cur := device.Telemetry.Current
				samples = append(samples,
					Sample{Name: "online", Help: "1 if the device is connected", Labels: labels, Value: boolValue(device.IsConnected)},
					Sample{Name: "valve_open", Help: "1 if the shutoff valve is open", Labels: labels, Value: boolValue(device.Valve.LastKnown == "open")},
					Sample{Name: "water_flow_gpm", Help: "current flow (gallons per minute)", Labels: labels, Value: cur.GPM},
					Sample{Name: "water_pressure_psi", Help: "line pressure (PSI)", Labels: labels, Value: cur.PSI},
					Sample{Name: "water_temp_c", Help: "water temperature (degrees Celsius)", Labels: labels, Value: fToC(cur.TempF)},
				)
			}
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no devices for %s", ErrProtocol, req.Target)
	}
	return samples, nil
}
