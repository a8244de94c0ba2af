package flow

import (
	"fmt"
	"sort"

	"github.com/portalone/merchant-analytics/internal/store"
)

const (
	// TopN is how many ranked merchants a finalized run reports downstream.
	TopN = 10

	// UnknownMerchantName substitutes a missing display name; a nameless
	// merchant never fails a run.
	UnknownMerchantName = "Unknown"
)

// UserRunPayload is the body of a user-run task.
type UserRunPayload struct {
	UserID   string `json:"userId"`
	PortalID string `json:"portalId"`
}

// MerchantPayload is the body of one fan-out child.
type MerchantPayload struct {
	MerchantID    string `json:"merchantId"`
	ProcessorName string `json:"processorName"`
}

// FinalizationContext is the join metadata carried by the finalization task:
// everything the fan-in step needs without re-querying the directory.
type FinalizationContext struct {
	UserID      string            `json:"userId"`
	PortalID    string            `json:"portalId"`
	MerchantIDs []string          `json:"merchantIds"`
	Names       map[string]string `json:"names"`
}

// ConflictError reports that a run is already in flight for the user,
// carrying the current lock status for the caller to surface.
type ConflictError struct {
	Status store.RunStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("an analytics job for this user is already in progress with status: %s", e.Status)
}

// rankTopMerchants orders aggregates by volume descending and truncates to
// TopN. The sort is stable: merchants with equal volume keep the directory's
// original ordering.
func rankTopMerchants(aggregates []store.Aggregate, names map[string]string) []store.RankedMerchant {
	ranked := make([]store.RankedMerchant, len(aggregates))
	for i, agg := range aggregates {
		name, ok := names[agg.MerchantID]
		if !ok || name == "" {
			name = UnknownMerchantName
		}
		ranked[i] = store.RankedMerchant{
			MerchantID:  agg.MerchantID,
			Name:        name,
			TotalVolume: agg.NetVolume,
			TotalCount:  agg.TxnCount,
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].TotalVolume > ranked[j].TotalVolume
	})
	if len(ranked) > TopN {
		ranked = ranked[:TopN]
	}
	return ranked
}
