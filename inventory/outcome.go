package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/aluiziolira/catalog-export/models"
	"github.com/aluiziolira/catalog-export/transport"
)

// Reason explains why a default record was substituted.
type Reason string

const (
	ReasonNotFound  Reason = "not_found"
	ReasonUpstream  Reason = "upstream_error"
	ReasonMalformed Reason = "malformed_response"
	ReasonCancelled Reason = "cancelled"
)

// Degradation describes a record that could not be resolved.
type Degradation struct {
	Reason Reason
	Err    error
}

func (d *Degradation) Error() string {
	if d.Err == nil {
		return string(d.Reason)
	}
	return fmt.Sprintf("%s: %v", d.Reason, d.Err)
}

func (d *Degradation) Unwrap() error {
	return d.Err
}

// Outcome is the result of resolving one sku. Record is always usable; when
// Degraded is set it holds the default record.
type Outcome struct {
	Record   models.InventoryRecord
	Degraded *Degradation
}

// OK reports whether the record came from the upstream.
func (o Outcome) OK() bool {
	return o.Degraded == nil
}

func resolved(record models.InventoryRecord) Outcome {
	return Outcome{Record: record}
}

func degraded(sku string, reason Reason, err error) Outcome {
	return Outcome{
		Record:   models.DefaultInventory(sku),
		Degraded: &Degradation{Reason: reason, Err: err},
	}
}

// reasonFor maps a request failure to a degradation reason. Only the
// caller's own cancellation counts as cancelled; upstream timeouts do not.
func reasonFor(ctx context.Context, err error) Reason {
	var malformed transport.ErrMalformedResponse
	switch {
	case ctx.Err() != nil:
		return ReasonCancelled
	case transport.IsNotFound(err):
		return ReasonNotFound
	case errors.As(err, &malformed):
		return ReasonMalformed
	default:
		return ReasonUpstream
	}
}

// Records flattens outcomes into records keyed by sku.
func Records(outcomes map[string]Outcome) map[string]models.InventoryRecord {
	out := make(map[string]models.InventoryRecord, len(outcomes))
	for sku, o := range outcomes {
		out[sku] = o.Record
	}
	return out
}
