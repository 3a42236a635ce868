package driver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/homeprobe/homeprobe/internal/config"
)

// neurio reads a Neurio / Generac PWRview energy sensor over its local,
// unauthenticated HTTP interface (GET /current-sample).
type neurio struct {
	mc     config.Module
	client *http.Client
}

func newNeurio(mc config.Module) *neurio {
	return &neurio{mc: mc, client: newHTTPClient()}
}

type neurioSample struct {
	SensorID string          `json:"sensorId"`
	Channels []neurioChannel `json:"channels"`
}

type neurioChannel struct {
	Type     string  `json:"type"`
	ImpWs    float64 `json:"eImp_Ws"`
	ExpWs    float64 `json:"eExp_Ws"`
	PowerW   float64 `json:"p_W"`
	ReactVAR float64 `json:"q_VAR"`
	VoltageV float64 `json:"v_V"`
}

// phaseFunction splits a channel type like "PHASE_A_CONSUMPTION" into its
// phase and function parts. Channels without a phase prefix report totals.
func phaseFunction(channelType string) (phase, function string) {
	t := strings.ToLower(channelType)
	for _, p := range []string{"a", "b", "c"} {
		prefix := "phase_" + p + "_"
		if strings.HasPrefix(t, prefix) {
			return strings.ToUpper(p), strings.TrimPrefix(t, prefix)
		}
	}
	return "total", t
}

func (d *neurio) Collect(ctx context.Context, req Request) ([]Sample, error) {
	base := req.Address
	if !strings.HasPrefix(base, "http") {
		base = "http://" + base
	}

	var js neurioSample
	if err := getJSON(ctx, d.client, base+"/current-sample", nil, &js); err != nil {
		return nil, err
	}

	var samples []Sample
	for _, ch := range js.Channels {
		phase, function := phaseFunction(ch.Type)
		labels := L("sensor", js.SensorID, "phase", phase, "function", function)
		samples = append(samples,
			Sample{Name: "imported_energy_ws", Help: "imported energy (Watt-seconds)", Counter: true, Labels: labels, Value: ch.ImpWs},
			Sample{Name: "exported_energy_ws", Help: "exported energy (Watt-seconds)", Counter: true, Labels: labels, Value: ch.ExpWs},
			Sample{Name: "power_w", Help: "instantaneous real power (Watts)", Labels: labels, Value: ch.PowerW},
			Sample{Name: "instantaneous_var", Help: "instantaneous reactive power (Volt-Amps reactive)", Labels: labels, Value: ch.ReactVAR},
			Sample{Name: "instantaneous_v", Help: "instantaneous voltage", Labels: labels, Value: ch.VoltageV},
		)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no channels in sample from %s", ErrProtocol, req.Target)
	}
	return samples, nil
}
