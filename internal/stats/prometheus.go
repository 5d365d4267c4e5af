package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sleepywoodpecker/rp-iq-recorder/internal/assembler"
)

// Register exposes every snapshot field as a counter that reads source on
// scrape, plus the assembler progress as gauges.
func Register(reg prometheus.Registerer, prefix, runID string, source func() Snapshot) error {
	labels := prometheus.Labels{"run": runID}

	for _, f := range (Snapshot{}).Fields() {
		name := f.Name
		c := prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: prefix + name, Help: "Pipeline counter " + name, ConstLabels: labels},
			func() float64 {
				for _, cur := range source().Fields() {
					if cur.Name == name {
						return float64(cur.Value)
					}
				}
				return 0
			},
		)
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	gauges := []struct {
		name, help string
		value      func(Snapshot) float64
	}{
		{"assembler_progress_samples", "Samples collected in the current window", func(s Snapshot) float64 { return float64(s.Assembler.Progress) }},
		{"assembler_window_samples", "Length of the current window", func(s Snapshot) float64 { return float64(s.Assembler.Window) }},
		{"assembler_collecting", "1 while the assembler is collecting a window", func(s Snapshot) float64 {
			if s.Assembler.State == assembler.Collecting {
				return 1
			}
			return 0
		}},
		{"persist_last_write_seconds", "Duration of the last measurement write", func(s Snapshot) float64 { return s.Persist.LastWrite.Seconds() }},
	}
	for _, g := range gauges {
		value := g.value
		if err := reg.Register(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: prefix + g.name, Help: g.help, ConstLabels: labels},
			func() float64 { return value(source()) },
		)); err != nil {
			return err
		}
	}
	return nil
}

func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
