package driver

import (
	"context"
	"crypto/tls"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/homeprobe/homeprobe/internal/config"
)

// netaxs screen-scrapes a Honeywell NetAXS-123 door-access controller
// through the endpoints its own web UI uses. The controller speaks HTTPS
// with a self-signed certificate and a cookie session.
type netaxs struct {
	mc config.Module
}

func newNetaxs(mc config.Module) *netaxs {
	return &netaxs{mc: mc}
}

// netaxsLoginStatus maps the login.lsp statuscode field to a description.
// Anything non-zero is a rejected login of some flavor.
var netaxsLoginStatus = map[string]string{
	"1": "username not found",
	"2": "incorrect password",
	"3": "expired password",
	"4": "retry limit exceeded",
	"5": "system error",
	"6": "username locked out",
	"7": "username disabled",
}

func (d *netaxs) Collect(ctx context.Context, req Request) ([]Sample, error) {
	base := req.Address
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	base = strings.TrimRight(base, "/")

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("netaxs: cookie jar: %w", err)
	}
	client := &http.Client{
		Jar: jar,
		Transport: &http.Transport{
			// The controller ships a self-signed certificate.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		},
	}

	if err := d.login(ctx, client, base); err != nil {
		return nil, err
	}
	return d.cardSamples(ctx, client, base)
}

func (d *netaxs) login(ctx context.Context, client *http.Client, base string) error {
	form := url.Values{
		"user": []string{d.mc.User},
		"pwd":  []string{d.mc.Password()},
	}
	var resp struct {
		StatusCode string `json:"statuscode"`
		Username   string `json:"username"`
	}
	if err := postForm(ctx, client, base+"/lib/login.lsp", form, &resp); err != nil {
		return err
	}
	if resp.StatusCode != "0" && resp.StatusCode != "" {
		reason, ok := netaxsLoginStatus[resp.StatusCode]
		if !ok {
			reason = "login statuscode " + resp.StatusCode
		}
		if resp.StatusCode == "5" {
			return fmt.Errorf("%w: %s for %s", ErrProtocol, reason, resp.Username)
		}
		return &UnauthorizedError{Err: fmt.Errorf("%s for %s", reason, resp.Username)}
	}

	// The second post flips the application state to signed-in and sets
	// the session cookies the data endpoints require.
	form = url.Values{
		"ba_username": []string{d.mc.User},
		"ba_password": []string{d.mc.Password()},
	}
	return postForm(ctx, client, base+"/views/home/index.lsp", form, nil)
}

// cardSamples asks the controller to generate its card report and parses
// the resulting CSV into card counts and per-card swipe/expiry gauges.
func (d *netaxs) cardSamples(ctx context.Context, client *http.Client, base string) ([]Sample, error) {
	prep := url.Values{
		"panelnum": []string{"1"},
		"type":     []string{"1"},
		"subtype":  []string{"6"},
		"oper":     []string{"0"},
		"password": []string{""},
	}
	var status struct {
		Status       any `json:"status"`
		FailedPanels any `json:"failedPanels"`
	}
	if err := postForm(ctx, client, base+"/models/where/upload/processFile.lsp", prep, &status); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/models/CardReport.csv", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d fetching card report", ErrProtocol, resp.StatusCode)
	}

	return parseCardReport(resp.Body)
}

// Card report CSV columns, per firmware 6.x.
const (
	cardColCard = iota
	cardColLastName
	cardColFirstName
	_ // trace enabled
	_ // card type
	_ // uses remaining
	cardColExpiration
	_ // access levels
	_ // site code
	_ // pin
	_ // info1
	_ // info2
	_ // timezones
	_ // activation date
	_ // issue level
	_ // apb state
	_ // control device
	_ // access group
	cardColLastSwiped
	cardColCount
)

func parseCardReport(r io.Reader) ([]Sample, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // trailing remainder column varies

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: parse card report: %v", ErrProtocol, err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("%w: empty card report", ErrProtocol)
	}

	valid, invalid := 0, 0
	var perCard []Sample
	now := time.Now()
	for _, rec := range records[1:] { // first record is the header
		if len(rec) < cardColCount {
			continue
		}
		first := strings.TrimSpace(rec[cardColFirstName])
		last := strings.TrimSpace(rec[cardColLastName])
		labels := L("firstname", first, "lastname", last)

		expired := false
		if raw := strings.TrimSpace(rec[cardColExpiration]); raw != "" {
			if ts, err := time.Parse("1/2/2006", raw); err == nil {
				expired = ts.Before(now)
				perCard = append(perCard, Sample{
					Name: "card_expires_timestamp_seconds", Help: "when access card expires",
					Labels: labels, Value: float64(ts.Unix()),
				})
			}
		}
		if raw := strings.TrimSpace(rec[cardColLastSwiped]); raw != "" {
			if ts, err := time.Parse("1/2/2006 15:04:05", raw); err == nil {
				perCard = append(perCard, Sample{
					Name: "card_last_swiped_timestamp_seconds", Help: "when access card was last swiped",
					Labels: labels, Value: float64(ts.Unix()),
				})
			}
		}
		if expired {
			invalid++
		} else {
			valid++
		}
	}

	samples := []Sample{
		{Name: "num_access_cards", Help: "number of access cards in the system", Labels: L("valid", "1"), Value: float64(valid)},
		{Name: "num_access_cards", Help: "number of access cards in the system", Labels: L("valid", "0"), Value: float64(invalid)},
	}
	return append(samples, perCard...), nil
}
