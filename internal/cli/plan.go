package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/riffle/internal/config"
	"github.com/me/riffle/internal/riffle"
	"github.com/me/riffle/internal/rig"
)

func newPlanCmd() *cobra.Command {
	var buffer, tail, step time.Duration

	cmd := &cobra.Command{
		Use:   "plan <manifest.yaml>",
		Short: "Compute riffled start offsets for a manifest's devices",
		Long: "plan chains each device's assays into one imaging series and searches\n" +
			"for start offsets that fit every later device's duty cycles into the\n" +
			"idle gaps of the devices already planned.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.Load(args[0])
			if err != nil {
				return err
			}

			opts := riffle.DefaultOptions()
			if buffer > 0 {
				opts.Buffer = buffer
			}
			if tail > 0 {
				opts.Tail = tail
			}
			if step > 0 {
				opts.Step = step
			}

			offsets, err := planOffsets(m, opts)
			if err != nil {
				return err
			}

			fmt.Printf("Riffle plan for %s (buffer %s, step %s):\n", args[0], opts.Buffer, opts.Step)
			for _, o := range offsets {
				fmt.Printf("  %-12s start offset %s\n", o.Device, o.Offset)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&buffer, "buffer", 0, "Collision padding around duty cycles (default 1m)")
	cmd.Flags().DurationVar(&tail, "tail", 0, "Search window past the last duty cycle (default 8m20s)")
	cmd.Flags().DurationVar(&step, "step", 0, "Offset search granularity (default 1s)")
	return cmd
}

// deviceOffset is one planned device start.
type deviceOffset struct {
	Device string
	Offset time.Duration
}

// planOffsets riffles the manifest's devices together. Assays sharing a
// device run back to back, separated by the manifest flow delay; each
// subsequent device is shifted into the idle gaps of everything planned
// before it.
func planOffsets(m *config.Manifest, opts riffle.Options) ([]deviceOffset, error) {
	est := m.Rig.Estimates()

	type deviceSeries struct {
		device string
		delays []time.Duration
		scan   time.Duration
	}

	// Group assay delay series by device, keeping manifest order.
	var order []string
	byDevice := make(map[string]*deviceSeries)
	for _, a := range m.Assays {
		spec := a.Kinetic()
		ds, ok := byDevice[spec.Device]
		if !ok {
			ds = &deviceSeries{device: spec.Device}
			byDevice[spec.Device] = ds
			order = append(order, spec.Device)
		}
		if scan := scanDuration(spec.Positions, countExposures(a), est); scan > ds.scan {
			ds.scan = scan
		}
		if len(ds.delays) == 0 {
			ds.delays = append([]time.Duration(nil), spec.Delays...)
		} else {
			ds.delays = riffle.SeriesDelays([][]time.Duration{ds.delays, spec.Delays}, m.FlowDelay.Std())
		}
	}

	offsets := make([]deviceOffset, 0, len(order))
	var planned []riffle.Period
	for i, device := range order {
		ds := byDevice[device]
		busy := riffle.BusyPeriods(ds.delays, ds.scan, device)

		var offset time.Duration
		if i > 0 {
			off, ok := riffle.FindOffset(planned, busy, opts)
			if !ok {
				return nil, fmt.Errorf("device %s: no collision-free offset found, series must run back to back", device)
			}
			offset = off
		}
		planned = append(planned, riffle.Shift(busy, offset)...)
		sort.Slice(planned, func(a, b int) bool { return planned[a].Start < planned[b].Start })
		offsets = append(offsets, deviceOffset{Device: device, Offset: offset})
	}
	return offsets, nil
}

// scanDuration estimates the stage+camera busy time of one timepoint.
func scanDuration(positions []rig.StagePosition, exposures int, est rig.Durations) time.Duration {
	perPosition := est.Move + time.Duration(exposures)*est.Acquire
	return time.Duration(len(positions)) * perPosition
}

func countExposures(a config.AssaySpec) int {
	n := 0
	for _, ch := range a.Channels {
		n += len(ch.ExposuresMS)
	}
	return n
}
