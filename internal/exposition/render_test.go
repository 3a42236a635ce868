package exposition

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/homeprobe/homeprobe/internal/driver"
)

func render(t *testing.T, res Result) string {
	t.Helper()
	var buf bytes.Buffer
	if err := Render(&buf, res); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	return buf.String()
}

func TestRender_SingleSample(t *testing.T) {
	body := render(t, Result{
		Module:   "lutron",
		Success:  true,
		Duration: 250 * time.Millisecond,
		Samples: []driver.Sample{
			{Name: "area_light_level", Labels: driver.L("area", "Entry"), Value: 0.75},
		},
	})

	for _, want := range []string{
		"lutron_area_light_level{area=\"Entry\"} 0.75\n",
		"probe_success 1\n",
		"probe_duration_seconds 0.25\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestRender_Failure(t *testing.T) {
	body := render(t, Result{
		Module:   "tesla",
		Success:  false,
		Duration: time.Second,
		Samples: []driver.Sample{
			{Name: "should_not_appear", Value: 1},
		},
	})

	if strings.Contains(body, "should_not_appear") {
		t.Errorf("failed probe leaked device metrics:\n%s", body)
	}
	if !strings.Contains(body, "probe_success 0\n") {
		t.Errorf("body missing probe_success 0:\n%s", body)
	}
}

func TestRender_Deterministic(t *testing.T) {
	res := Result{
		Module:   "neurio",
		Success:  true,
		Duration: 42 * time.Millisecond,
		Samples: []driver.Sample{
			{Name: "power_w", Labels: driver.L("channel", "1", "phase", "a"), Value: 120.5},
			{Name: "power_w", Labels: driver.L("channel", "2", "phase", "b"), Value: 98.1},
			{Name: "energy_ws", Counter: true, Labels: driver.L("channel", "1"), Value: 1e9},
		},
	}
	first := render(t, res)
	second := render(t, res)
	if first != second {
		t.Fatalf("output not byte-identical:\n--- first\n%s--- second\n%s", first, second)
	}

	// Families appear in the order the driver produced them.
	if strings.Index(first, "neurio_power_w") > strings.Index(first, "neurio_energy_ws") {
		t.Errorf("family order not preserved:\n%s", first)
	}
	if !strings.Contains(first, "# TYPE neurio_energy_ws counter\n") {
		t.Errorf("counter type missing:\n%s", first)
	}
}

func TestRender_SanitizesNames(t *testing.T) {
	body := render(t, Result{
		Module:  "combox",
		Success: true,
		Samples: []driver.Sample{
			{Name: "out-volts/ac", Labels: driver.L("2nd.unit", "x"), Value: 1},
		},
	})
	if !strings.Contains(body, "combox_out_volts_ac{_2nd_unit=\"x\"} 1\n") {
		t.Errorf("names not sanitized:\n%s", body)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"temp_c", "temp_c"},
		{"out-volts/ac", "out_volts_ac"},
		{"9lives", "_9lives"},
		{"", "_"},
		{"ÜBER", "__BER"},
	}
	for _, tc := range cases {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
