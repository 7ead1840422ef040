package health

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
)

// Pinger is the storage probe used for readiness. The storage gateway
// satisfies it with a SELECT 1 round trip.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns the readiness checker for the storage gateway.
func Database(p Pinger) Checker {
	return Checker{Name: "database", Check: p.Ping}
}

// Queue returns the readiness checker for the session analysis queue.
func Queue(nc *nats.Conn) Checker {
	return Checker{
		Name: "queue",
		Check: func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats not connected: " + nc.Status().String())
			}
			return nil
		},
	}
}
