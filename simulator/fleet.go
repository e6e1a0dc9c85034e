package simulator

import (
	"context"
	"fmt"
	"sync"

	"github.com/kilianp07/ocppgw/core/logger"
)

// GenerateFleet creates cfg.Count charge points with ids <prefix>0001..
func GenerateFleet(cfg Config, log logger.Logger) []*ChargePoint {
	cfg.SetDefaults()
	cps := make([]*ChargePoint, cfg.Count)
	for i := range cps {
		cps[i] = NewChargePoint(fmt.Sprintf("%s%04d", cfg.IDPrefix, i+1), cfg, log)
	}
	return cps
}

// RunFleet runs every charge point until ctx is done and returns the errors
// of those that failed.
func RunFleet(ctx context.Context, cps []*ChargePoint) map[string]error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = map[string]error{}
	)
	for _, cp := range cps {
		wg.Add(1)
		go func(cp *ChargePoint) {
			defer wg.Done()
			if err := cp.Run(ctx); err != nil {
				cp.Log.Errorf("%s: %v", cp.ID, err)
				mu.Lock()
				errs[cp.ID] = err
				mu.Unlock()
			}
		}(cp)
	}
	wg.Wait()
	return errs
}
