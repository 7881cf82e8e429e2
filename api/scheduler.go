/*
scheduler.go - Automated pre-approval expiry scheduler

PURPOSE:
  Periodically sweeps pre-approvals whose validity window has passed and
  transitions them to EXPIRED, so stale authorizations cannot be consumed.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - The sweep itself is idempotent: already-expired records are skipped,
    and a record raced into another state is left alone
  - Per-record optimistic exclusion, same as manual decisions: a reviewer
    approving while the sweep runs loses or wins cleanly, never both

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewExpiryScheduler(workflow)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerExpiry endpoint (manual sweep)
  - preapproval/workflow.go: ExpireDue semantics
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sufyanhr/waad-claims-engine/preapproval"
)

// ExpiryScheduler handles automated pre-approval expiry.
type ExpiryScheduler struct {
	Workflow      *preapproval.Workflow
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpiryScheduler creates a new scheduler.
func NewExpiryScheduler(workflow *preapproval.Workflow) *ExpiryScheduler {
	return &ExpiryScheduler{
		Workflow:      workflow,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (es *ExpiryScheduler) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	es.ticker = time.NewTicker(es.CheckInterval)
	es.wg.Add(1)

	go es.run()

	log.Printf("[Scheduler] Started with check interval: %v", es.CheckInterval)
}

// Stop stops the scheduler.
func (es *ExpiryScheduler) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		close(es.stop)
		es.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (es *ExpiryScheduler) run() {
	defer es.wg.Done()

	// Run immediately on start
	es.sweep()

	for {
		select {
		case <-es.ticker.C:
			es.sweep()
		case <-es.stop:
			return
		}
	}
}

func (es *ExpiryScheduler) sweep() {
	ctx := context.Background()
	now := time.Now().UTC()

	expired, err := es.Workflow.ExpireDue(ctx, now)
	if err != nil {
		log.Printf("[Scheduler] Expiry sweep error: %v", err)
		return
	}
	if expired > 0 {
		log.Printf("[Scheduler] Expired %d pre-approval(s)", expired)
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (es *ExpiryScheduler) RunNow() {
	es.sweep()
}

// GetNextRunTime returns when the next scheduled sweep will occur.
func (es *ExpiryScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(es.CheckInterval)
}
