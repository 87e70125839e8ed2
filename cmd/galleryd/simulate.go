package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/stevecastle/lowkey-grid/geom"
	"github.com/stevecastle/lowkey-grid/governor"
	"github.com/stevecastle/lowkey-grid/layout"
	"github.com/stevecastle/lowkey-grid/logger"
	"github.com/stevecastle/lowkey-grid/loop"
	"github.com/stevecastle/lowkey-grid/media"
	"github.com/stevecastle/lowkey-grid/telemetry"
)

// simulation drives a governor on virtual time: each step loads what the
// governor asks for, cleans up and scrolls down by StepPx.
type simulation struct {
	Items    int
	Steps    int
	StepPx   float64
	Width    float64
	Height   float64
	Seed     int64
	Batch    int
	MemoryMB float64
}

var aspects = []float64{16.0 / 9, 4.0 / 3, 1, 3.0 / 4, 9.0 / 16}

func syntheticItems(n int, seed int64) []layout.Item {
	rng := rand.New(rand.NewSource(seed))
	items := make([]layout.Item, n)
	for i := range items {
		items[i] = layout.Item{ID: "item-" + strconv.Itoa(i), Aspect: aspects[rng.Intn(len(aspects))]}
	}
	return items
}

// run returns one snapshot per step.
func (s simulation) run(cfg governor.Config, items []layout.Item, w io.Writer) []governor.Snapshot {
	sched := loop.NewManual(time.Unix(0, 0))
	cfg.Gallery = "simulate"
	gov := governor.New(sched, cfg, logger.NewNoopLogger())
	defer gov.Close()

	settle := func(d time.Duration) {
		sched.Advance(d)
		sched.RunFrames(64)
	}
	vp := geom.Rect{W: s.Width, H: s.Height}
	gov.SetContainer(s.Width, 0)
	gov.SetViewport(vp)
	gov.SetCandidates(items, true)
	settle(time.Second)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "step\tscroll\tmaxLoaded\tmaxLoading\tloaded\tplaying\tevicted\tmaterialized")
	snaps := make([]governor.Snapshot, 0, s.Steps)
	for step := range s.Steps {
		for _, id := range gov.NextToLoad(s.Batch) {
			gov.OnStartLoading(id)
			gov.OnVideoLoad(id, 0, 0)
		}
		if s.MemoryMB > 0 {
			// each loaded item costs a little resident memory
			used := 256 + 16*float64(gov.Snapshot().Loaded)
			gov.ApplySample(telemetry.Sample{CurrentMB: used, TotalMB: s.MemoryMB, Pressure: used / s.MemoryMB, Count: step + 1, At: sched.Now()})
		}
		evicted := gov.PerformCleanup()

		vp.Y += s.StepPx
		gov.SetViewport(vp)
		settle(250 * time.Millisecond)

		snap := gov.Snapshot()
		snaps = append(snaps, snap)
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%d\t%d/%d\n",
			step, humanize.Comma(int64(vp.Y)), snap.Limits.MaxLoaded, snap.Limits.MaxConcurrentLoading,
			snap.Loaded, len(snap.Playing), len(evicted), snap.Materialized, snap.Total)
	}
	tw.Flush()
	return snaps
}

func newSimulateCommand() *cobra.Command {
	var (
		sim     simulation
		fromDB  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a deterministic scroll through the governor and print its decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			items := syntheticItems(sim.Items, sim.Seed)
			if fromDB {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				if items, err = libraryItems(ctx, cfg.DBPath, sim.Items); err != nil {
					return err
				}
			}
			sim.run(cfg.GovernorConfig(), items, cmd.OutOrStdout())
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&sim.Items, "items", 2000, "number of candidates")
	flags.IntVar(&sim.Steps, "steps", 40, "number of scroll steps")
	flags.Float64Var(&sim.StepPx, "step", 400, "pixels scrolled per step")
	flags.Float64Var(&sim.Width, "width", 1280, "viewport width")
	flags.Float64Var(&sim.Height, "height", 800, "viewport height")
	flags.Int64Var(&sim.Seed, "seed", 1, "seed for the synthetic aspect ratios")
	flags.IntVar(&sim.Batch, "batch", 8, "loads started per step")
	flags.Float64Var(&sim.MemoryMB, "memory", 0, "simulated device memory in MB; zero keeps telemetry idle")
	flags.BoolVar(&fromDB, "library", false, "use the media library instead of synthetic items")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "library query timeout")
	return cmd
}

func libraryItems(ctx context.Context, path string, limit int) ([]layout.Item, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	cands, err := media.Candidates(ctx, db, media.Query{Limit: limit})
	if err != nil {
		return nil, err
	}
	items := make([]layout.Item, len(cands))
	for i, c := range cands {
		items[i] = layout.Item{ID: c.ID, Aspect: c.Aspect()}
	}
	return items, nil
}
