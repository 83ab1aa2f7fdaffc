package scoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// Pool fans latent optimizations out over a fixed set of workers. Scores
// come back in input order regardless of which worker produced them.
type Pool struct {
	opt     *LatentOptimizer
	workers int
	log     zerolog.Logger
}

// NewPool creates a scoring pool. workers <= 0 uses one worker per CPU.
func NewPool(opt *LatentOptimizer, workers int, log zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{
		opt:     opt,
		workers: workers,
		log:     log.With().Str("module", "scoring").Logger(),
	}
}

// ScoreAll scores every row of data and returns one score per row, in row
// order. The first sample error cancels the remaining work.
func (p *Pool) ScoreAll(ctx context.Context, data *mat.Dense) ([]float64, error) {
	rows, cols := data.Dims()
	if rows == 0 {
		return nil, fmt.Errorf("no samples to score")
	}
	if cols != p.opt.backend.FeatureDim() {
		return nil, fmt.Errorf("samples have %d features, model expects %d", cols, p.opt.backend.FeatureDim())
	}

	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scores := make([]float64, rows)
	jobs := make(chan int)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				s, err := p.opt.Score(ctx, data.RawRowView(i))
				if err != nil {
					fail(fmt.Errorf("sample %d: %w", i, err))
					return
				}
				scores[i] = s
			}
		}()
	}

feed:
	for i := 0; i < rows; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.log.Info().Int("samples", rows).Int("workers", p.workers).
		Dur("duration", time.Since(start)).Msg("Scoring completed")
	return scores, nil
}
