package coordinator

import (
	"context"
)

//go:generate mockgen -source=interfaces.go -destination=./transport_mock.go -package=coordinator

// Transport performs a single HTTP exchange. *clients.BaseClient satisfies it.
type Transport interface {
	Do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error)
}
