package notify

import (
	"context"
	"reflect"
)

// MultiAlerter fans one alert out to multiple sinks.
type MultiAlerter struct {
	alerters []Alerter
}

// NewMultiAlerter creates an alerter that dispatches to all provided sinks.
// Nil entries are dropped, including typed nils such as the (nil, nil)
// result of NewWebhookAlerter stored in the interface.
func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	filtered := make([]Alerter, 0, len(alerters))
	for _, alerter := range alerters {
		if isNil(alerter) {
			continue
		}
		filtered = append(filtered, alerter)
	}
	return &MultiAlerter{alerters: filtered}
}

func isNil(a Alerter) bool {
	if a == nil {
		return true
	}
	v := reflect.ValueOf(a)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// Alert implements Alerter. Every sink is attempted; the first error is
// returned after all sinks have run.
func (m *MultiAlerter) Alert(ctx context.Context, alert Alert) error {
	var firstErr error
	for _, alerter := range m.alerters {
		if err := alerter.Alert(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
