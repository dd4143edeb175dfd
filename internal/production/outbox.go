package production

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IntentKind identifies the deferred action an outbox row carries.
type IntentKind string

const (
	// IntentReserveMaterials creates reservation rows for the order's scaled
	// component requirements.
	IntentReserveMaterials IntentKind = "RESERVE_MATERIALS"
	// IntentStageConsumption stages a draft issue-for-order movement. Starting
	// an order reserves; consumption posts later, when the draft is released.
	IntentStageConsumption IntentKind = "STAGE_CONSUMPTION"
)

// IntentStatus is the processing state of an outbox row.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentProcessed IntentStatus = "PROCESSED"
	IntentFailed    IntentStatus = "FAILED"
	IntentCancelled IntentStatus = "CANCELLED"
)

// OutboxIntent is a deferred side effect written in the same transaction as
// the state change that requires it, drained at-least-once by the worker.
type OutboxIntent struct {
	ID          string
	OrderID     int64
	Kind        IntentKind
	Payload     []byte
	Status      IntentStatus
	Attempts    int
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// ComponentRequirement is one scaled BOM line inside an intent payload.
type ComponentRequirement struct {
	MaterialID int64   `json:"material_id"`
	PlantID    int64   `json:"plant_id"`
	Quantity   float64 `json:"quantity"`
	Unit       string  `json:"unit"`
}

// IntentPayload is the serialized body shared by both intent kinds.
type IntentPayload struct {
	OrderNumber string                 `json:"order_number"`
	Components  []ComponentRequirement `json:"components"`
}

func newIntent(orderID int64, kind IntentKind, payload IntentPayload, now time.Time) (OutboxIntent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return OutboxIntent{}, err
	}
	return OutboxIntent{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Kind:      kind,
		Payload:   body,
		Status:    IntentPending,
		CreatedAt: now,
	}, nil
}

func decodePayload(intent OutboxIntent) (IntentPayload, error) {
	var payload IntentPayload
	err := json.Unmarshal(intent.Payload, &payload)
	return payload, err
}
