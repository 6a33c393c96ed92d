package mqgo

import (
	"time"

	"github.com/mqgo/mqgo/pkg/mqlog"
	"github.com/mqgo/mqgo/pkg/owire"
)

// RedeliveryHook fires each time a message is about to be redelivered,
// after the delay has been computed but before the redispatch. It embeds
// mqlog.Hook (the teacher's marker interface) so it registers through the
// same hook list as the transport-level hooks in mqlog.
type RedeliveryHook interface {
	mqlog.Hook
	OnRedelivery(dest owire.Destination, messageID string, attempt int32, delay time.Duration)
}

// FailoverHook fires on every failover reconnect transition.
type FailoverHook interface {
	mqlog.Hook
	OnFailoverReconnect(from, to string, attempt int, err error)
}
