package main

import (
	"fmt"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/ryansname/regctl/src/config"
)

// Chart collects tap position and check voltage traces for every regulator
// phase and renders them as two stacked plots
type Chart struct {
	Path   string
	Width  vg.Length
	Height vg.Length

	keys  []string // Traces in the order they first appeared
	taps  map[string]plotter.XYs
	volts map[string]plotter.XYs
}

func NewChart(cfg config.ChartConfig) *Chart {
	return &Chart{
		Path:   cfg.Path,
		Width:  vg.Length(cfg.Width) * vg.Centimeter,
		Height: vg.Length(cfg.Height) * vg.Centimeter,
		taps:   make(map[string]plotter.XYs),
		volts:  make(map[string]plotter.XYs),
	}
}

// Record adds one timestep. X values are simulated hours.
func (c *Chart) Record(data SimData) {
	hours := float64(data.Time) / 3600
	for _, status := range data.Regulators {
		if status.Err != nil {
			continue
		}
		for phase, ps := range status.Phases {
			key := statsKey(status.Name, phase)
			if _, ok := c.taps[key]; !ok {
				c.keys = append(c.keys, key)
			}
			c.taps[key] = append(c.taps[key], plotter.XY{X: hours, Y: float64(ps.Tap)})
			c.volts[key] = append(c.volts[key], plotter.XY{X: hours, Y: ps.CheckVoltage})
		}
	}
}

// Points returns the number of samples recorded for a trace
func (c *Chart) Points(key string) int {
	return len(c.taps[key])
}

func (c *Chart) newPlot(title, yLabel string, series map[string]plotter.XYs) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (h)"
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())

	lines := make([]any, 0, 2*len(c.keys))
	for _, key := range c.keys {
		lines = append(lines, key, series[key])
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		return nil, fmt.Errorf("%s: %w", title, err)
	}
	return p, nil
}

// Save renders the chart to Path as PNG
func (c *Chart) Save() error {
	taps, err := c.newPlot("Tap position", "Tap", c.taps)
	if err != nil {
		return err
	}
	volts, err := c.newPlot("Check voltage", "Volts", c.volts)
	if err != nil {
		return err
	}

	img := vgimg.New(c.Width, c.Height)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows: 2,
		Cols: 1,
		PadY: vg.Centimeter / 2,
	}
	plots := [][]*plot.Plot{{taps}, {volts}}
	canvases := plot.Align(plots, tiles, dc)
	for i, row := range plots {
		row[0].Draw(canvases[i][0])
	}

	f, err := os.Create(c.Path)
	if err != nil {
		return fmt.Errorf("error creating chart file: %w", err)
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("error writing chart: %w", err)
	}
	return f.Close()
}
