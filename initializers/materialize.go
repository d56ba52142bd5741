package initializers

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/tsawler/go-igc/layers"
)

// ParameterSeed derives the RNG seed of one parameter. It depends only on the
// run seed and the parameter name, so a parameter's values do not depend on
// which worker draws them or in which order.
func ParameterSeed(seed int64, name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return seed ^ int64(h.Sum64())
}

// Materialize allocates and initializes every parameter concurrently using
// at most maxWorkers goroutines.
func Materialize(ctx context.Context, params []layers.ParameterSpec, init Initializer, seed int64, maxWorkers int) (map[string][]float32, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([][]float32, len(params))
	errs := make([]error, len(params))

	jobs := make(chan int, len(params))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := ctx.Err(); err != nil {
					errs[i] = err
					continue
				}
				p := params[i]
				data := make([]float32, p.Size())
				rng := rand.New(rand.NewSource(ParameterSeed(seed, p.Name)))
				if err := init.Init(p, data, rng); err != nil {
					errs[i] = err
					continue
				}
				results[i] = data
			}
		}()
	}

	for i := range params {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to initialize parameter %s: %w", params[i].Name, err)
		}
	}

	out := make(map[string][]float32, len(params))
	for i, p := range params {
		out[p.Name] = results[i]
	}
	return out, nil
}
