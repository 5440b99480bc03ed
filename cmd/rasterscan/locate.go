package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/confocal.scan/internal/localize"
	"github.com/banshee-data/confocal.scan/internal/scan"
)

func runLocate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("locate", stderr)
	var common commonFlags
	var rf regionFlags
	common.register(fs)
	rf.register(fs)
	k := fs.Int("k", 1, "Number of emitters; 1 refines onto the brightest, more lists the k brightest of one scan")
	iterations := fs.Int("iterations", -1, "Refinement passes after the first (-1 uses the config)")
	shrink := fs.Float64("shrink", 0, "Region and step scale between passes (0 uses the config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *k < 1 {
		fs.Usage()
		return errors.New("-k must be at least 1")
	}

	s, err := openSession(common)
	if err != nil {
		return err
	}
	defer s.Close()

	region, err := rf.region(s.cfg.GetRunwayMode())
	if err != nil {
		return err
	}
	r, err := newRunner(s, "")
	if err != nil {
		return err
	}

	if *k > 1 {
		m, err := r.Run(ctx, region, scan.RunOptions{})
		if err != nil {
			return err
		}
		found := localize.FindBrightest(m, *k)
		if err := saveEmitters(ctx, s, r.ids[0], 0, found); err != nil {
			return err
		}
		for i, c := range found {
			printCandidate(stdout, fmt.Sprintf("#%d", i+1), c)
		}
		return nil
	}

	n := *iterations
	if n < 0 {
		n = s.cfg.GetRefineIterations()
	}
	if n == 0 {
		n = -1 // a single pass
	}
	sh := *shrink
	if sh == 0 {
		sh = s.cfg.GetRefineShrink()
	}

	res, err := localize.Refiner{Scanner: r, Iterations: n, Shrink: sh, Logger: s.logger}.Refine(ctx, region, scan.RunOptions{})
	for i, p := range res.Passes {
		if serr := saveEmitters(ctx, s, r.ids[i], i, []localize.Candidate{p.Best}); serr != nil {
			return errors.Join(err, serr)
		}
		printCandidate(stdout, fmt.Sprintf("pass %d (step %g mm, scan %s)", i, p.Region.Step, r.ids[i]), p.Best)
	}
	if err != nil {
		return err
	}
	printCandidate(stdout, "emitter", res.Best)
	return nil
}

func saveEmitters(ctx context.Context, s *session, scanID string, pass int, found []localize.Candidate) error {
	if s.db == nil {
		return nil
	}
	return s.db.SaveEmitters(ctx, scanID, pass, found)
}

func printCandidate(w io.Writer, label string, c localize.Candidate) {
	fmt.Fprintf(w, "%s: x=%g y=%g value=%g\n", label, c.X, c.Y, c.Value)
}
