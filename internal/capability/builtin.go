package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilnworks/autopilot/internal/models"
)

// jsonHandler is the common shape of the built-in studio capabilities: a
// static definition plus an input validator that shapes the connector payload.
type jsonHandler struct {
	def      models.Capability
	validate func(input map[string]interface{}) error
}

func (h *jsonHandler) Definition() models.Capability { return h.def }

func (h *jsonHandler) Evaluate(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var parsed map[string]interface{}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(input, &parsed); err != nil {
		return nil, fmt.Errorf("invalid input json: %w", err)
	}
	if h.validate != nil {
		if err := h.validate(parsed); err != nil {
			return nil, err
		}
	}
	return input, nil
}

func requireFields(input map[string]interface{}, fields ...string) error {
	for _, f := range fields {
		v, ok := input[f]
		if !ok || v == nil || v == "" {
			return fmt.Errorf("field %q is required", f)
		}
	}
	return nil
}

// RegisterBuiltins installs the studio capability set into the catalog.
// portalConnector names the registered connector for the business portal.
func RegisterBuiltins(catalog *Catalog, portalConnector string) error {
	handlers := []Handler{
		&jsonHandler{
			def: models.Capability{
				ID:            "reservation.adjust",
				Description:   "Move or resize an existing studio reservation",
				ApprovalMode:  models.ApprovalModeAuto,
				AllowedScopes: []string{"reservations:write"},
				Quota:         models.QuotaPolicy{Limit: 20, Window: time.Hour},
				Connector:     portalConnector,
				InvokePath:    "/reservations/adjust",
			},
			validate: func(input map[string]interface{}) error {
				return requireFields(input, "reservationId", "newStart")
			},
		},
		&jsonHandler{
			def: models.Capability{
				ID:            "invoice.draft",
				Description:   "Create a draft invoice for review",
				ApprovalMode:  models.ApprovalModeAuto,
				AllowedScopes: []string{"billing:write"},
				Quota:         models.QuotaPolicy{Limit: 50, Window: 24 * time.Hour},
				Connector:     portalConnector,
				InvokePath:    "/billing/drafts",
			},
			validate: func(input map[string]interface{}) error {
				return requireFields(input, "customerId", "lineItems")
			},
		},
		&jsonHandler{
			def: models.Capability{
				ID:            "kiln.schedule.hold",
				Description:   "Place a hold on a kiln firing slot",
				ApprovalMode:  models.ApprovalModeManual,
				AllowedScopes: []string{"kiln:write"},
				Quota:         models.QuotaPolicy{Limit: 10, Window: 24 * time.Hour},
				Connector:     portalConnector,
				InvokePath:    "/kiln/holds",
			},
			validate: func(input map[string]interface{}) error {
				return requireFields(input, "kilnId", "slotStart")
			},
		},
	}
	for _, h := range handlers {
		if err := catalog.Register(h); err != nil {
			return err
		}
	}
	return nil
}
