package discovery

import (
	"context"
	"time"
)

// ChangeKind distinguishes a Watch diff event. Values match the
// CoreFound/CoreLost event-kind vocabulary a connection's own events sink
// uses, so a caller forwarding Watch changes onto that sink needs no
// translation table.
type ChangeKind string

const (
	ChangeFound ChangeKind = "CoreFound"
	ChangeLost  ChangeKind = "CoreLost"
)

// Change is one diffed event from Watch.
type Change struct {
	Kind ChangeKind
	Core Core
}

// Watch re-runs the one-shot Discover procedure on interval and diffs
// consecutive result sets into found/lost events. It closes the returned
// channel when ctx is done.
func Watch(ctx context.Context, interval time.Duration) <-chan Change {
	changes := make(chan Change, 16)

	go func() {
		defer close(changes)

		seen := make(map[string]Core)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		poll := func() {
			cores, err := Discover(ctx, DefaultTimeout)
			if err != nil {
				return
			}

			current := make(map[string]Core, len(cores))
			for _, c := range cores {
				c.LastSeen = time.Now()
				current[c.UniqueID] = c
				if _, ok := seen[c.UniqueID]; !ok {
					select {
					case changes <- Change{Kind: ChangeFound, Core: c}:
					case <-ctx.Done():
						return
					}
				}
			}

			for id, c := range seen {
				if _, ok := current[id]; !ok {
					select {
					case changes <- Change{Kind: ChangeLost, Core: c}:
					case <-ctx.Done():
						return
					}
				}
			}

			seen = current
		}

		poll()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()

	return changes
}
