// File: pkg/sweep/sweep.go
package sweep

import (
	"Shellback/strategy"
	"Shellback/utilities"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Result aggregates a seed sweep. Because System 1 entries are processed
// in shuffled order, the spread across seeds measures how sensitive the
// outcome is to entry ordering rather than to the system itself.
type Result struct {
	Seeds         int                       `json:"seeds"`
	MeanFinal     float64                   `json:"mean_final_equity"`
	MinFinal      float64                   `json:"min_final_equity"`
	MaxFinal      float64                   `json:"max_final_equity"`
	StdDevFinal   float64                   `json:"stddev_final_equity"`
	MeanReturnPct float64                   `json:"mean_return_pct"`
	BestSeed      int64                     `json:"best_seed"`
	WorstSeed     int64                     `json:"worst_seed"`
	Runs          []strategy.BacktestResult `json:"runs"`
}

// Run executes the backtest once per seed across a worker pool and
// aggregates the outcomes. Workers defaults to 4.
func Run(ctx context.Context, data map[string][]utilities.OHLCVBar, trading utilities.TradingConfig, bt utilities.BacktestConfig, sweepCfg utilities.SweepConfig, logger *utilities.Logger) (Result, error) {
	seeds := sweepCfg.Seeds
	if seeds <= 0 {
		seeds = 20
	}
	workers := sweepCfg.Workers
	if workers <= 0 {
		workers = 4
	}
	logger.LogInfo("Sweep: running %d seeds across %d workers.", seeds, workers)

	jobs := make(chan int64)
	results := make(chan strategy.BacktestResult, seeds)
	errs := make(chan error, seeds)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seed := range jobs {
				run := bt
				run.Seed = seed
				result, err := strategy.RunBacktest(data, trading, run, logger)
				if err != nil {
					errs <- fmt.Errorf("seed %d: %w", seed, err)
					continue
				}
				results <- result
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := 0; i < seeds; i++ {
			select {
			case <-ctx.Done():
				return
			case jobs <- int64(i + 1):
			}
		}
	}()

	wg.Wait()
	close(results)
	close(errs)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	for err := range errs {
		// Any failing seed means the data or config is broken for all of them.
		return Result{}, err
	}

	var runs []strategy.BacktestResult
	for r := range results {
		runs = append(runs, r)
	}
	if len(runs) == 0 {
		return Result{}, errors.New("sweep produced no results")
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Seed < runs[j].Seed })

	agg := Result{Seeds: len(runs), Runs: runs, MinFinal: math.Inf(1), MaxFinal: math.Inf(-1)}
	var sum, sumReturn float64
	for _, r := range runs {
		sum += r.FinalEquity
		sumReturn += r.Report.ReturnPct
		if r.FinalEquity < agg.MinFinal {
			agg.MinFinal = r.FinalEquity
			agg.WorstSeed = r.Seed
		}
		if r.FinalEquity > agg.MaxFinal {
			agg.MaxFinal = r.FinalEquity
			agg.BestSeed = r.Seed
		}
	}
	agg.MeanFinal = sum / float64(len(runs))
	agg.MeanReturnPct = sumReturn / float64(len(runs))

	var variance float64
	for _, r := range runs {
		d := r.FinalEquity - agg.MeanFinal
		variance += d * d
	}
	agg.StdDevFinal = math.Sqrt(variance / float64(len(runs)))

	logger.LogInfo("Sweep: mean final equity %.2f (min %.2f seed %d, max %.2f seed %d, stddev %.2f).",
		agg.MeanFinal, agg.MinFinal, agg.WorstSeed, agg.MaxFinal, agg.BestSeed, agg.StdDevFinal)

	if sweepCfg.OutputPath != "" {
		if err := utilities.WriteJSONAtomic(sweepCfg.OutputPath, agg); err != nil {
			return Result{}, fmt.Errorf("sweep: could not write %s: %w", sweepCfg.OutputPath, err)
		}
		logger.LogInfo("Sweep: wrote results to %s.", sweepCfg.OutputPath)
	}
	return agg, nil
}
