package session

import "context"

// Launcher starts and stops the simulation process. After Launch returns the
// simulation is expected to open its endpoints within the connect timeout.
type Launcher interface {
	Launch(ctx context.Context) error
	Stop(ctx context.Context) error
}
