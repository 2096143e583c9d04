package bus

import (
	"context"

	"github.com/clovisapp/clovis-backend/internal/sse"
)

// Bus fans room messages out across API instances. Each instance publishes
// to the bus and forwards everything it receives into its local hub.
type Bus interface {
	Publish(ctx context.Context, msg sse.Message) error
	StartForwarder(ctx context.Context, onMsg func(m sse.Message)) error
	Close() error
}
