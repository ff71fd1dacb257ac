package main

import (
	"context"

	"github.com/sirupsen/logrus"
)

// broadcastWorker receives SimData and fans out to multiple downstream workers
// This implements the actor pattern where the broadcast logic is isolated in a single worker
func broadcastWorker(ctx context.Context, inputChan <-chan SimData, outputChans []chan<- SimData, log logrus.FieldLogger) {
	for {
		select {
		case data := <-inputChan:
			// Fan out to all downstream workers using non-blocking sends
			for i, ch := range outputChans {
				select {
				case ch <- data:
				case <-ctx.Done():
					return
				default:
					log.Warnf("Downstream worker %d channel full, dropping timestep %s", i, data.Time)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}
