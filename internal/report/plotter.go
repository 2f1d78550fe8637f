package report

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/gatescan/route.timer/internal/monitoring"
	"github.com/gatescan/route.timer/internal/route"
	"github.com/gatescan/route.timer/internal/timing"
)

// How much trace to show either side of the run itself.
const plotLead = 10 * time.Second

// Plotter renders one PNG per finalized run: raw RSSI per sensor, the
// hysteresis band for each sensor, and a marker at every accepted passage.
type Plotter struct {
	Dir      string
	Route    *route.Route
	Recorder *Recorder
}

func NewPlotter(dir string, rt *route.Route, rec *Recorder) *Plotter {
	return &Plotter{Dir: dir, Route: rt, Recorder: rec}
}

// Path returns where the plot for a run lives, whether or not it has been
// rendered yet.
func (pl *Plotter) Path(runID string) string {
	return filepath.Join(pl.Dir, pl.Route.Name, runID+".png")
}

// RenderResult draws and writes the plot for a finalized run, returning
// the output path.
func (pl *Plotter) RenderResult(res timing.Result) (string, error) {
	from := res.StartedAt.Add(-plotLead)
	to := res.EndedAt.Add(plotLead)
	traces := pl.Recorder.TracesBetween(from, to)
	if len(traces) == 0 {
		return "", fmt.Errorf("no samples recorded between %s and %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s - run %s (%s)", pl.Route.Name, res.RunID, res.State)
	p.X.Label.Text = "Seconds from start"
	p.Y.Label.Text = "RSSI (dBm)"

	colors := palette()
	for i, sensor := range pl.Route.Sensors() {
		c := colors[i%len(colors)]

		trace := traces[sensor.Address]
		if len(trace) > 0 {
			pts := make(plotter.XYs, len(trace))
			for j, tp := range trace {
				pts[j] = plotter.XY{X: tp.Timestamp.Sub(res.StartedAt).Seconds(), Y: tp.RSSI}
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return "", err
			}
			line.Color = c
			line.Width = vg.Points(1)
			p.Add(line)
			label := sensor.Name
			if label == "" {
				label = sensor.Address
			}
			p.Legend.Add(label, line)
		}

		// Hysteresis band: enter above threshold+margin, exit below
		// threshold-margin.
		for _, level := range []float64{sensor.ThresholdDBm + sensor.MarginDB, sensor.ThresholdDBm - sensor.MarginDB} {
			rule, err := plotter.NewLine(plotter.XYs{
				{X: from.Sub(res.StartedAt).Seconds(), Y: level},
				{X: to.Sub(res.StartedAt).Seconds(), Y: level},
			})
			if err != nil {
				return "", err
			}
			rule.Color = c
			rule.Width = vg.Points(0.5)
			rule.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
			p.Add(rule)
		}
	}

	if len(res.Passages) > 0 {
		marks := make(plotter.XYs, len(res.Passages))
		for i, pass := range res.Passages {
			marks[i] = plotter.XY{X: pass.Timestamp.Sub(res.StartedAt).Seconds(), Y: pass.RSSI}
		}
		scatter, err := plotter.NewScatter(marks)
		if err != nil {
			return "", err
		}
		scatter.GlyphStyle.Shape = draw.PyramidGlyph{}
		scatter.GlyphStyle.Radius = vg.Points(5)
		scatter.GlyphStyle.Color = color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}
		p.Add(scatter)
		p.Legend.Add("passages", scatter)
	}

	p.Legend.Top = true

	out := pl.Path(res.RunID.String())
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return "", fmt.Errorf("create plot dir: %w", err)
	}
	if err := p.Save(12*vg.Inch, 5*vg.Inch, out); err != nil {
		return "", fmt.Errorf("save plot: %w", err)
	}
	monitoring.Debugf("report: wrote %s", out)
	return out, nil
}

func palette() []color.Color {
	return []color.Color{
		color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
		color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
		color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
		color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
		color.RGBA{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
		color.RGBA{R: 0x8c, G: 0x56, B: 0x4b, A: 0xff},
	}
}
