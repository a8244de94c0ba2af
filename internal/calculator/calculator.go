package calculator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUnsupportedProcessor is returned when no integration exists for a
	// processor name; callers skip the merchant instead of failing the task
	ErrUnsupportedProcessor = errors.New("processor integration not found")

	// ErrConfigMissing is returned when an integration's credentials are
	// absent; the merchant task fails but the run continues
	ErrConfigMissing = errors.New("processor configuration missing")
)

// VolumeAndCount is a merchant's net transaction volume and count over a window.
type VolumeAndCount struct {
	NetVolume        float64
	TransactionCount int64
}

// DateRange is an explicit inclusive reporting window. Volume is always
// recomputed over the full window, never incrementally from a watermark.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// CurrentMonthWindow returns the first through last calendar day of now's month.
func CurrentMonthWindow(now time.Time) DateRange {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	return DateRange{Start: start, End: end}
}

// Calculator computes a merchant's volume and count from one payment
// processor's API.
type Calculator interface {
	CalculateVolumeAndCount(ctx context.Context, merchantID, processorName string, window DateRange) (VolumeAndCount, error)
}

// Kind tags the supported processor families. Processor-name strings coming
// from the CRM are parsed once into a kind; handlers never re-match substrings
// per call.
type Kind int

const (
	KindUnknown Kind = iota
	KindPayroc
	KindIris
)

// ParseKind maps a CRM processor name to its integration family.
// "Payroc 12" -> KindPayroc; "ArgyleX", "Merchant Lynx East" -> KindIris.
func ParseKind(processorName string) Kind {
	name := strings.ToLower(processorName)
	switch {
	case strings.Contains(name, "payroc"):
		return KindPayroc
	case strings.Contains(name, "argyle"), strings.Contains(name, "merchant lynx"):
		return KindIris
	default:
		return KindUnknown
	}
}

// Registry resolves a processor kind to its calculator, built once at startup.
type Registry struct {
	calculators map[Kind]Calculator
}

func NewRegistry() *Registry {
	return &Registry{calculators: make(map[Kind]Calculator)}
}

func (r *Registry) Register(kind Kind, calc Calculator) {
	r.calculators[kind] = calc
}

// NewDefaultRegistry wires every shipped processor integration. The worker and
// the API server both build their registry here so they agree on which
// processors are supported.
func NewDefaultRegistry(httpClient *http.Client) (*Registry, error) {
	payroc, err := NewPayrocCalculator(httpClient, NewPayrocAuthService(httpClient))
	if err != nil {
		return nil, err
	}
	registry := NewRegistry()
	registry.Register(KindPayroc, payroc)
	registry.Register(KindIris, NewIrisCalculator(httpClient))
	return registry, nil
}

// Resolve returns the calculator for a processor name, or
// ErrUnsupportedProcessor when the name maps to no registered integration.
func (r *Registry) Resolve(processorName string) (Calculator, error) {
	calc, ok := r.calculators[ParseKind(processorName)]
	if !ok {
		return nil, ErrUnsupportedProcessor
	}
	return calc, nil
}
