package gemini

import (
	"sync"

	"newspipe/internal/logger"
)

// Budget caps expensive inference calls per run. Items that miss the budget
// simply stay in their current stage; their calls happen on the next run.
type Budget struct {
	mu   sync.Mutex
	used int
	max  int
}

func NewBudget(max int) *Budget {
	return &Budget{max: max}
}

// Use consumes one call from the budget.
func (b *Budget) Use() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.max > 0 && b.used >= b.max {
		return ErrBudgetExhausted
	}
	b.used++
	if b.max > 0 && b.used == b.max {
		logger.Warn("inference budget fully consumed", "max", b.max)
	}
	return nil
}

// Used reports how many calls the run has consumed.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
