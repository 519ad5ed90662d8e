package ingest

import "context"

// DefaultChannels are subscribed when no channel list is configured.
var DefaultChannels = []string{
	"events:token_mint",
	"events:liquidity",
	"events:price",
	"events:transaction",
}

type Message struct {
	Channel string
	Payload []byte
}

// Subscription is one live subscription. Receive blocks until a message
// arrives or the connection fails; Close unblocks a pending Receive.
type Subscription interface {
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Transport opens subscriptions to a publish/subscribe channel set. Every
// Subscribe call starts a fresh connection.
type Transport interface {
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}
