package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/homeprobe/homeprobe/internal/config"
	"github.com/homeprobe/homeprobe/internal/token"
)

const teslaAPI = "https://owner-api.teslamotors.com"

// teslaVehicleCacheTTL is how long collected vehicle data is reused for a
// vehicle that stays online. Polling vehicle_data keeps a car awake, which
// costs real battery, so opportunistic reads are cached.
const teslaVehicleCacheTTL = time.Hour

// tesla reads vehicles and home batteries through the unofficial owner API.
// Tokens come from the token store; the interactive login (with its
// second-factor prompt) happens in homeprobe-login, never here.
type tesla struct {
	mc     config.Module
	base   string
	client *http.Client
	tokens *token.Store

	mu    sync.Mutex
	cache map[int64]teslaCached
	now   func() time.Time
}

type teslaCached struct {
	at      time.Time
	samples []Sample
}

func newTesla(mc config.Module, tokens *token.Store) *tesla {
	d := &tesla{
		mc:     mc,
		base:   mc.BaseURL,
		client: newHTTPClient(),
		tokens: tokens,
		cache:  map[int64]teslaCached{},
		now:    time.Now,
	}
	if d.base == "" {
		d.base = teslaAPI
	}
	for _, account := range mc.Accounts {
		tokens.RegisterRefresher(account, d.refresher(account))
	}
	return d
}

// refresher exchanges the cached refresh token for a fresh access token.
// Without a refresh token there is no non-interactive path.
func (d *tesla) refresher(account string) token.RefreshFunc {
	return func(ctx context.Context, cached token.Token) (token.Token, error) {
		if cached.RefreshValue == "" {
			return token.Token{}, fmt.Errorf("account %q has no refresh token: %w", account, token.ErrAuthExpired)
		}
		form := url.Values{
			"grant_type":    []string{"refresh_token"},
			"refresh_token": []string{cached.RefreshValue},
		}
		var resp struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int64  `json:"expires_in"`
		}
		err := postForm(ctx, d.client, d.base+"/oauth/token", form, &resp)
		if err != nil {
			if errors.Is(err, errStatusUnauthorized) {
				return token.Token{}, fmt.Errorf("account %q: %w", account, token.ErrAuthFailed)
			}
			return token.Token{}, err
		}
		return token.Token{
			Value:        resp.AccessToken,
			RefreshValue: resp.RefreshToken,
			TTL:          time.Duration(resp.ExpiresIn) * time.Second,
		}, nil
	}
}

func (d *tesla) get(ctx context.Context, account, path string, out any) error {
	tok, err := d.tokens.Get(ctx, account)
	if err != nil {
		return err
	}
	header := http.Header{"Authorization": []string{"Bearer " + tok.Value}}
	return unauthorizedFor(account, getJSON(ctx, d.client, d.base+path, header, out))
}

type teslaProducts struct {
	Response []teslaProduct `json:"response"`
}

type teslaProduct struct {
	// Vehicle fields.
	ID          int64  `json:"id"`
	VIN         string `json:"vin"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`

	// Energy site (battery) fields.
	EnergySiteID      int64   `json:"energy_site_id"`
	SiteName          string  `json:"site_name"`
	BatteryPower      float64 `json:"battery_power"`
	EnergyLeft        float64 `json:"energy_left"`
	TotalPackEnergy   float64 `json:"total_pack_energy"`
	PercentageCharged float64 `json:"percentage_charged"`
	SolarPower        float64 `json:"solar_power"`
}

type teslaVehicleData struct {
	Response struct {
		ChargeState struct {
			BatteryLevel  float64 `json:"battery_level"`
			BatteryRange  float64 `json:"battery_range"`
			ChargerPower  float64 `json:"charger_power"`
			ChargingState string  `json:"charging_state"`
		} `json:"charge_state"`
		ClimateState struct {
			InsideTemp  float64 `json:"inside_temp"`
			OutsideTemp float64 `json:"outside_temp"`
		} `json:"climate_state"`
		VehicleState struct {
			Odometer float64 `json:"odometer"`
			Locked   bool    `json:"locked"`
		} `json:"vehicle_state"`
	} `json:"response"`
}

// Collect reports every product on every configured account. An offline
// vehicle is reported from its summary only; fresh data is fetched when the
// vehicle is already awake, or when its VIN is specifically the target.
func (d *tesla) Collect(ctx context.Context, req Request) ([]Sample, error) {
	var samples []Sample
	for _, account := range d.mc.Accounts {
		var products teslaProducts
		if err := d.get(ctx, account, "/api/1/products", &products); err != nil {
			return nil, err
		}
		for _, p := range products.Response {
			switch {
			case p.VIN != "":
				vs, err := d.vehicleSamples(ctx, account, req.Target, p)
				if err != nil {
					return nil, err
				}
				samples = append(samples, vs...)
			case p.EnergySiteID != 0:
				samples = append(samples, batterySamples(p)...)
			}
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no products for %s", ErrProtocol, req.Target)
	}
	return samples, nil
}

func (d *tesla) vehicleSamples(ctx context.Context, account, target string, p teslaProduct) ([]Sample, error) {
	labels := L("vin", p.VIN, "name", p.DisplayName)
	online := strings.EqualFold(p.State, "online")

	summary := []Sample{{
		Name: "vehicle_online", Help: "1 if the vehicle is online",
		Labels: labels, Value: boolValue(online),
	}}

	wanted := strings.EqualFold(target, p.VIN)
	if !online && !wanted {
		// Coming back online later means someone else woke it; drop the
		// cache so the next probe reads fresh data.
		d.mu.Lock()
		delete(d.cache, p.ID)
		d.mu.Unlock()
		return summary, nil
	}

	if !wanted {
		d.mu.Lock()
		cached, ok := d.cache[p.ID]
		d.mu.Unlock()
		if ok && d.now().Sub(cached.at) <= teslaVehicleCacheTTL {
			return append(summary, cached.samples...), nil
		}
	}

	var data teslaVehicleData
	path := "/api/1/vehicles/" + strconv.FormatInt(p.ID, 10) + "/vehicle_data"
	if err := d.get(ctx, account, path, &data); err != nil {
		return nil, err
	}

	r := data.Response
	detail := []Sample{
		{Name: "battery_level_pct", Help: "battery state of charge (percent)", Labels: labels, Value: r.ChargeState.BatteryLevel},
		{Name: "battery_range_mi", Help: "rated range (miles)", Labels: labels, Value: r.ChargeState.BatteryRange},
		{Name: "charger_power_kw", Help: "charger power (kW)", Labels: labels, Value: r.ChargeState.ChargerPower},
		{Name: "charging", Help: "1 if the vehicle is charging", Labels: labels, Value: boolValue(r.ChargeState.ChargingState == "Charging")},
		{Name: "inside_temp_c", Help: "cabin temperature (degrees Celsius)", Labels: labels, Value: r.ClimateState.InsideTemp},
		{Name: "outside_temp_c", Help: "outside temperature (degrees Celsius)", Labels: labels, Value: r.ClimateState.OutsideTemp},
		{Name: "odometer_mi", Help: "odometer (miles)", Counter: true, Labels: labels, Value: r.VehicleState.Odometer},
		{Name: "locked", Help: "1 if the vehicle is locked", Labels: labels, Value: boolValue(r.VehicleState.Locked)},
	}

	d.mu.Lock()
	d.cache[p.ID] = teslaCached{at: d.now(), samples: detail}
	d.mu.Unlock()

	return append(summary, detail...), nil
}

func batterySamples(p teslaProduct) []Sample {
	labels := L("site_id", strconv.FormatInt(p.EnergySiteID, 10), "name", p.SiteName)
	return []Sample{
		{Name: "battery_power_w", Help: "battery power, discharge positive (W)", Labels: labels, Value: p.BatteryPower},
		{Name: "battery_energy_left_wh", Help: "energy remaining (Wh)", Labels: labels, Value: p.EnergyLeft},
		{Name: "battery_capacity_wh", Help: "total pack capacity (Wh)", Labels: labels, Value: p.TotalPackEnergy},
		{Name: "battery_charge_pct", Help: "state of charge (percent)", Labels: labels, Value: p.PercentageCharged},
		{Name: "solar_power_w", Help: "solar generation (W)", Labels: labels, Value: p.SolarPower},
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
