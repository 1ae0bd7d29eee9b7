package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fontyslads/ctf-portal-sub000/go/clients/portal_client"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/coordinator"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/models"
)

// StartWorkshop fires the administrative trigger once. It does not touch any
// Store; the new state reaches teams through their next listing. started is
// false when the workshop was already running, or when the call was
// superseded by another request on coord.
func StartWorkshop(ctx context.Context, coord *coordinator.Coordinator) (started bool, err error) {
	call, err := coord.Create(ctx, portal_client.WorkshopStartEndpoint, struct{}{})
	if errors.Is(err, coordinator.ErrSuperseded) {
		return false, nil
	}
	if err != nil {
		if call != nil {
			// the rejection body carries nothing to keep
			_ = coord.Settle(call, nil)
		}
		return false, err
	}

	err = coord.Settle(call, func(payload json.RawMessage) error {
		var resp models.WorkshopStartResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return fmt.Errorf("failed to decode workshop response: %w", err)
		}
		started = resp.Started
		return nil
	})
	if errors.Is(err, coordinator.ErrSuperseded) {
		return false, nil
	}
	return started, err
}
