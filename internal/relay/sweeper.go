package relay

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zulandar/switchboard/internal/store"
)

// Sweeper deletes relay mappings older than the retention window. Replies
// quoting a swept message stop resolving, which is the point: the ledger of
// who said what to whom does not outlive its usefulness.
type Sweeper struct {
	mappings *store.Mappings
	window   time.Duration
	out      io.Writer
}

// SweeperOpts holds parameters for creating a Sweeper.
type SweeperOpts struct {
	Mappings *store.Mappings
	Window   time.Duration
	Out      io.Writer // defaults to os.Stdout
}

// NewSweeper creates a Sweeper.
func NewSweeper(opts SweeperOpts) (*Sweeper, error) {
	if opts.Mappings == nil {
		return nil, fmt.Errorf("relay: sweeper: mapping store is required")
	}
	if opts.Window <= 0 {
		return nil, fmt.Errorf("relay: sweeper: retention window must be positive")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Sweeper{mappings: opts.Mappings, window: opts.Window, out: out}, nil
}

// Run performs one retention sweep and returns the number of mappings removed.
func (s *Sweeper) Run() (int64, error) {
	deleted, err := s.mappings.DeleteOlderThan(s.window)
	if err != nil {
		return 0, fmt.Errorf("relay: sweep: %w", err)
	}
	if deleted > 0 {
		fmt.Fprintf(s.out, "relay: sweep removed %d mappings older than %v\n", deleted, s.window)
	}
	return deleted, nil
}
