package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sornon/member-sub002/internal/checkpoint"
	"github.com/sornon/member-sub002/internal/reconcile"
)

// oneShot loads config, builds a Service, runs fn and prints its JSON
// result to out. Exit code 2 means the command ran but recorded errors.
func oneShot(common commonFlags, out io.Writer, fn func(ctx context.Context, svc *Service) (any, bool, error)) int {
	cfg, logger, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := NewService(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Errorf("failed to start service", map[string]any{"error": err.Error()})
		return 1
	}
	defer svc.Close(context.Background())

	result, partial, err := fn(ctx, svc)
	if err != nil {
		logger.Errorf("command failed", map[string]any{"error": err.Error()})
		return 1
	}
	if err := writeResult(out, result); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write result: %v\n", err)
		return 1
	}
	if partial {
		return 2
	}
	return 0
}

func writeResult(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runScan(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	common := addCommonFlags(fs)
	collection := fs.String("collection", "", "Collection to scan (default: every registered collection)")
	preview := fs.Bool("preview", false, "Count orphans without removing them")
	batchSize := fs.Int("batch-size", 0, "Scan page size (default: engine.batchSize)")

	fs.Usage = func() {
		fmt.Println(`Usage: reconciled scan [options]

Find records whose member references all point to missing members and
remove them (or just count them with -preview). Prints the summary as JSON.
Exits 2 when the summary lists errors.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	return oneShot(common, out, func(ctx context.Context, svc *Service) (any, bool, error) {
		sum, err := scan(ctx, svc, *collection, reconcile.ScanOptions{PreviewOnly: *preview, BatchSize: *batchSize})
		return sum, sum.HasErrors(), err
	})
}

func scan(ctx context.Context, svc *Service, collection string, opts reconcile.ScanOptions) (reconcile.Summary, error) {
	if collection == "" {
		return svc.Engine.Reconcile(ctx, opts), nil
	}
	if _, ok := svc.Registry.Lookup(collection); !ok {
		return reconcile.Summary{}, fmt.Errorf("unknown collection %q", collection)
	}
	return svc.Engine.ScanCollection(ctx, collection, opts), nil
}

func runCascade(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("cascade", flag.ExitOnError)
	common := addCommonFlags(fs)
	memberID := fs.String("member", "", "Member id to delete (required)")

	fs.Usage = func() {
		fmt.Println(`Usage: reconciled cascade -member <id> [options]

Delete every record that references the member, then the member itself.
Prints the summary as JSON. Exits 2 when the summary lists errors.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *memberID == "" {
		fmt.Fprintln(os.Stderr, "-member is required")
		fs.Usage()
		return 1
	}

	return oneShot(common, out, func(ctx context.Context, svc *Service) (any, bool, error) {
		sum, err := svc.Engine.CascadeDelete(ctx, *memberID)
		return sum, sum.HasErrors(), err
	})
}

// sweepReport is printed by the sweep command.
type sweepReport struct {
	State checkpoint.State        `json:"state"`
	Steps []reconcile.SweepResult `json:"steps"`
}

func runSweep(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	common := addCommonFlags(fs)
	name := fs.String("name", "", "Sweep checkpoint name (default: sweep.name)")
	steps := fs.Int("steps", 1, "Maximum steps to run; 0 runs until the pass completes")
	batchSize := fs.Int("batch-size", 0, "Members per step (default: saved value or sweep.batchSize)")
	maxDurationMs := fs.Int64("max-duration-ms", 0, "Time budget per step (default: saved value or sweep.maxDurationMs)")
	reset := fs.Bool("reset", false, "Forget the checkpoint before stepping")

	fs.Usage = func() {
		fmt.Println(`Usage: reconciled sweep [options]

Refresh derived member profiles in resumable batches. Each step continues
from the stored checkpoint and saves the new cursor. Prints the final
checkpoint and each step's result as JSON.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	return oneShot(common, out, func(ctx context.Context, svc *Service) (any, bool, error) {
		sweepName := *name
		if sweepName == "" {
			sweepName = svc.Config.Sweep.Name
		}
		if *reset {
			if err := svc.Checkpoints.Reset(ctx, sweepName); err != nil {
				return nil, false, err
			}
		}
		rep, err := sweep(ctx, svc, sweepName, *steps, *batchSize, *maxDurationMs)
		partial := false
		for _, s := range rep.Steps {
			if s.Batch.Failed > 0 {
				partial = true
			}
		}
		return rep, partial, err
	})
}

// sweep runs up to maxSteps steps, or until the pass completes when
// maxSteps is 0.
func sweep(ctx context.Context, svc *Service, name string, maxSteps, batchSize int, maxDurationMs int64) (sweepReport, error) {
	var rep sweepReport
	for i := 0; maxSteps <= 0 || i < maxSteps; i++ {
		st, res, err := svc.Checkpoints.Step(ctx, svc.Engine, name, batchSize, maxDurationMs)
		if errors.Is(err, checkpoint.ErrConcurrentSweep) {
			return rep, fmt.Errorf("sweep %s is being driven by another process: %w", name, err)
		}
		if err != nil {
			return rep, err
		}
		rep.State = st
		rep.Steps = append(rep.Steps, res)
		svc.Logger.Infof("sweep step", map[string]any{
			"sweep":     name,
			"cursor":    res.Cursor,
			"processed": res.Batch.Processed,
			"refreshed": res.Batch.Refreshed,
			"failed":    res.Batch.Failed,
			"remaining": res.Remaining,
		})
		if !res.HasMore {
			break
		}
	}
	return rep, nil
}
