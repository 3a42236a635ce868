package exposition

import (
	"fmt"
	"io"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/homeprobe/homeprobe/internal/driver"
)

// Result is one finished probe, ready to serialize.
type Result struct {
	Module   string
	Success  bool
	Duration time.Duration
	Samples  []driver.Sample
}

// Render writes res in text exposition format. Device metric names are
// prefixed with the module name, and names and labels are sanitized to the
// exposition character set. A probe_success indicator and
// probe_duration_seconds are always appended; on failure they are the only
// output.
func Render(w io.Writer, res Result) error {
	var families []*dto.MetricFamily
	if res.Success {
		families = sampleFamilies(res.Module, res.Samples)
	}
	families = append(families,
		gaugeFamily("probe_duration_seconds",
			"How long the probe took, in seconds", res.Duration.Seconds()),
		gaugeFamily("probe_success",
			"Whether the probe succeeded", boolValue(res.Success)),
	)

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("exposition: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// sampleFamilies groups samples into metric families in first-seen order.
// Drivers emit related samples under one name with varying labels; those
// collapse into one family so the output stays legal exposition text.
func sampleFamilies(module string, samples []driver.Sample) []*dto.MetricFamily {
	index := make(map[string]*dto.MetricFamily)
	var families []*dto.MetricFamily

	for _, s := range samples {
		name := SanitizeName(module + "_" + s.Name)
		mf, ok := index[name]
		if !ok {
			mf = &dto.MetricFamily{
				Name: proto.String(name),
				Type: metricType(s.Counter),
			}
			if s.Help != "" {
				mf.Help = proto.String(s.Help)
			}
			index[name] = mf
			families = append(families, mf)
		}
		mf.Metric = append(mf.Metric, metric(s))
	}
	return families
}

func metric(s driver.Sample) *dto.Metric {
	m := &dto.Metric{}
	for _, l := range s.Labels {
		m.Label = append(m.Label, &dto.LabelPair{
			Name:  proto.String(SanitizeName(l.Name)),
			Value: proto.String(l.Value),
		})
	}
	if s.Counter {
		m.Counter = &dto.Counter{Value: proto.Float64(s.Value)}
	} else {
		m.Gauge = &dto.Gauge{Value: proto.Float64(s.Value)}
	}
	return m
}

func metricType(counter bool) *dto.MetricType {
	if counter {
		return dto.MetricType_COUNTER.Enum()
	}
	return dto.MetricType_GAUGE.Enum()
}

func gaugeFamily(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{
			{Gauge: &dto.Gauge{Value: proto.Float64(v)}},
		},
	}
}

// SanitizeName maps a metric or label name onto [a-zA-Z0-9_], replacing
// anything else with an underscore and guarding against a leading digit.
func SanitizeName(name string) string {
	if name == "" {
		return "_"
	}
	b := []byte(name)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9', c == '_':
		default:
			b[i] = '_'
		}
	}
	if b[0] >= '0' && b[0] <= '9' {
		return "_" + string(b)
	}
	return string(b)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
