package simulator

import (
	"math/rand"
	"sync"
	"time"
)

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randFloat() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}

// ReplyStrategy decides how a charge point answers server commands.
type ReplyStrategy interface {
	// Plan returns the delay before answering and false when the command
	// must be left unanswered.
	Plan() (time.Duration, bool)
}

// AutoReply answers every command after an optional fixed delay.
type AutoReply struct {
	Delay time.Duration
}

func (a AutoReply) Plan() (time.Duration, bool) { return a.Delay, true }

// RandomReply drops answers with the configured probability.
type RandomReply struct {
	Delay    time.Duration
	DropRate float64
}

func (r RandomReply) Plan() (time.Duration, bool) {
	if r.DropRate > 0 && randFloat() < r.DropRate {
		return 0, false
	}
	return r.Delay, true
}
