package warehouse

import (
	"fmt"

	"github.com/warp/stock-engine/generic"
)

// =============================================================================
// PER-KIND PAYLOADS
// =============================================================================
// Payloads are flattened into Document.Metadata so the shared machine and
// every store can persist any kind without schema changes.

// Payload is implemented by every kind-specific struct.
type Payload interface {
	Kind() generic.DocumentKind
	Metadata() map[string]string
	Validate() error
}

type AdjustmentPayload struct {
	Reason string `json:"reason" validate:"required"`
}

func (AdjustmentPayload) Kind() generic.DocumentKind { return KindAdjustment }
func (p AdjustmentPayload) Metadata() map[string]string {
	return map[string]string{"reason": p.Reason}
}
func (p AdjustmentPayload) Validate() error { return required("reason", p.Reason) }

type TransferPayload struct {
	Carrier string `json:"carrier,omitempty"`
}

func (TransferPayload) Kind() generic.DocumentKind { return KindTransfer }
func (p TransferPayload) Metadata() map[string]string {
	return compact(map[string]string{"carrier": p.Carrier})
}
func (TransferPayload) Validate() error { return nil }

type IssuancePayload struct {
	IssuedTo string `json:"issued_to"`
	Purpose  string `json:"purpose,omitempty"`
}

func (IssuancePayload) Kind() generic.DocumentKind { return KindMaterialIssuance }
func (p IssuancePayload) Metadata() map[string]string {
	return compact(map[string]string{"issued_to": p.IssuedTo, "purpose": p.Purpose})
}
func (p IssuancePayload) Validate() error { return required("issued_to", p.IssuedTo) }

type UsagePayload struct {
	HostID  string `json:"host_id,omitempty"`
	Purpose string `json:"purpose,omitempty"`
}

func (UsagePayload) Kind() generic.DocumentKind { return KindMaterialUsage }
func (p UsagePayload) Metadata() map[string]string {
	return compact(map[string]string{"host_id": p.HostID, "purpose": p.Purpose})
}
func (UsagePayload) Validate() error { return nil }

type ReturnPayload struct {
	DefectReason string `json:"defect_reason"`
	Source       string `json:"source,omitempty"` // customer, sale reference, ...
}

func (ReturnPayload) Kind() generic.DocumentKind { return KindReturn }
func (p ReturnPayload) Metadata() map[string]string {
	return compact(map[string]string{"defect_reason": p.DefectReason, "source": p.Source})
}
func (p ReturnPayload) Validate() error { return required("defect_reason", p.DefectReason) }

type ReceiptPayload struct {
	Supplier     string `json:"supplier"`
	DeliveryNote string `json:"delivery_note,omitempty"`
}

func (ReceiptPayload) Kind() generic.DocumentKind { return KindStockReceipt }
func (p ReceiptPayload) Metadata() map[string]string {
	return compact(map[string]string{"supplier": p.Supplier, "delivery_note": p.DeliveryNote})
}
func (p ReceiptPayload) Validate() error { return required("supplier", p.Supplier) }

type DispatchPayload struct {
	Destination string `json:"destination"`
	Carrier     string `json:"carrier,omitempty"`
}

func (DispatchPayload) Kind() generic.DocumentKind { return KindStockDispatch }
func (p DispatchPayload) Metadata() map[string]string {
	return compact(map[string]string{"destination": p.Destination, "carrier": p.Carrier})
}
func (p DispatchPayload) Validate() error { return required("destination", p.Destination) }

// PayloadFromMetadata rebuilds the typed payload of a stored document.
func PayloadFromMetadata(kind generic.DocumentKind, md map[string]string) (Payload, error) {
	switch kind {
	case KindAdjustment:
		return AdjustmentPayload{Reason: md["reason"]}, nil
	case KindTransfer:
		return TransferPayload{Carrier: md["carrier"]}, nil
	case KindMaterialIssuance:
		return IssuancePayload{IssuedTo: md["issued_to"], Purpose: md["purpose"]}, nil
	case KindMaterialUsage:
		return UsagePayload{HostID: md["host_id"], Purpose: md["purpose"]}, nil
	case KindReturn:
		return ReturnPayload{DefectReason: md["defect_reason"], Source: md["source"]}, nil
	case KindStockReceipt:
		return ReceiptPayload{Supplier: md["supplier"], DeliveryNote: md["delivery_note"]}, nil
	case KindStockDispatch:
		return DispatchPayload{Destination: md["destination"], Carrier: md["carrier"]}, nil
	}
	return nil, fmt.Errorf("%w: no payload for kind %q", generic.ErrInvalidInput, kind)
}

func required(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", generic.ErrInvalidInput, field)
	}
	return nil
}

func compact(m map[string]string) map[string]string {
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	return m
}
