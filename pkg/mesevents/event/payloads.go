package event

import "github.com/shopspring/decimal"

// ProductionBatchCreatedEvent is raised when a production batch is planned.
type ProductionBatchCreatedEvent struct {
	BatchNumber     string `json:"batchNumber"`
	ProductModel    string `json:"productModel"`
	PlannedQuantity int    `json:"plannedQuantity"`
	Workshop        string `json:"workshop"`
}

// EventType implements Payload.
func (ProductionBatchCreatedEvent) EventType() string { return "ProductionBatchCreatedEvent" }

// ProductionBatchCompletedEvent is raised when a batch finishes.
type ProductionBatchCompletedEvent struct {
	BatchNumber    string          `json:"batchNumber"`
	ActualQuantity int             `json:"actualQuantity"`
	YieldRate      decimal.Decimal `json:"yieldRate"`
}

// EventType implements Payload.
func (ProductionBatchCompletedEvent) EventType() string { return "ProductionBatchCompletedEvent" }

// MaterialConsumedEvent records material drawn from inventory for a batch.
type MaterialConsumedEvent struct {
	BatchNumber  string          `json:"batchNumber"`
	MaterialCode string          `json:"materialCode"`
	Quantity     decimal.Decimal `json:"quantity"`
	Unit         string          `json:"unit"`
}

// EventType implements Payload.
func (MaterialConsumedEvent) EventType() string { return "MaterialConsumedEvent" }

// QualityInspectionCompletedEvent carries the verdict of a batch inspection.
type QualityInspectionCompletedEvent struct {
	BatchNumber  string `json:"batchNumber"`
	InspectionID string `json:"inspectionId"`
	Passed       bool   `json:"passed"`
	DefectCount  int    `json:"defectCount"`
}

// EventType implements Payload.
func (QualityInspectionCompletedEvent) EventType() string { return "QualityInspectionCompletedEvent" }

// EquipmentStatusChangedEvent is raised when a machine changes state.
type EquipmentStatusChangedEvent struct {
	EquipmentCode  string `json:"equipmentCode"`
	PreviousStatus string `json:"previousStatus"`
	CurrentStatus  string `json:"currentStatus"`
	Reason         string `json:"reason,omitempty"`
}

// EventType implements Payload.
func (EquipmentStatusChangedEvent) EventType() string { return "EquipmentStatusChangedEvent" }

// RawPayload holds the fields of an event type the catalog does not know.
type RawPayload struct {
	Type   string
	Fields map[string]any
}

// EventType implements Payload.
func (p RawPayload) EventType() string { return p.Type }
