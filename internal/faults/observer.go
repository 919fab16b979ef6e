package faults

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Observer records errors that must not escalate to the caller that triggered them.
type Observer struct {
	logger  zerolog.Logger
	counter *prometheus.CounterVec
}

// NewObserver builds an Observer. counter may be nil; when set it must carry the
// labels "component" and "kind".
func NewObserver(logger zerolog.Logger, counter *prometheus.CounterVec) *Observer {
	return &Observer{logger: logger, counter: counter}
}

// Observe classifies err, logs it and counts it. fields are key/value pairs.
// Idempotency conflicts are steady-state and logged at debug.
func (o *Observer) Observe(component string, err error, fields ...string) Kind {
	if err == nil {
		return KindUnknown
	}
	kind := KindOf(err)
	if o == nil {
		return kind
	}

	var event *zerolog.Event
	switch kind {
	case KindIdempotencyConflict:
		event = o.logger.Debug()
	case KindValidation, KindTransient:
		event = o.logger.Warn()
	default:
		event = o.logger.Error()
	}
	event = event.Err(err).Str("component", component).Str("kind", kind.String())
	for i := 0; i+1 < len(fields); i += 2 {
		event = event.Str(fields[i], fields[i+1])
	}
	event.Msg("non-fatal error observed")

	if o.counter != nil {
		o.counter.WithLabelValues(component, kind.String()).Inc()
	}
	return kind
}
