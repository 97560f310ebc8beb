package main

import (
	"context"
	"log"
)

// broadcastWorker fans each snapshot out to the downstream workers. Sends
// are non-blocking: a slow consumer drops updates rather than stalling the
// control cycle.
func broadcastWorker(ctx context.Context, snapshots <-chan Snapshot, outputs []chan<- Snapshot) {
	for {
		select {
		case snap := <-snapshots:
			for i, ch := range outputs {
				select {
				case ch <- snap:
				case <-ctx.Done():
					return
				default:
					log.Printf("Warning: downstream worker %d channel full, dropping snapshot\n", i)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}
