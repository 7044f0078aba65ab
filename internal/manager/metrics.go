package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/attestgate/attest-bridge/internal/cache"
	"github.com/attestgate/attest-bridge/internal/token"
)

// metrics wraps the manager's OTel instruments: cache read outcomes, fetch
// latency by refresh reason, and the attestation/signing stage latencies.
type metrics struct {
	reads         metric.Int64Counter
	fetchDuration metric.Float64Histogram
	attestStage   metric.Float64Histogram
	signStage     metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter("github.com/attestgate/attest-bridge/internal/manager")

	reads, err := meter.Int64Counter("attest.cache.reads",
		metric.WithDescription("Cache reads by entry state"))
	logInstrumentErr(err)

	fetchDuration, err := meter.Float64Histogram("attest.fetch.duration",
		metric.WithDescription("Token fetch duration by refresh reason and outcome"),
		metric.WithUnit("ms"))
	logInstrumentErr(err)

	attestStage, err := meter.Float64Histogram("attest.fetch.attestation.duration",
		metric.WithDescription("Attestation payload production latency"),
		metric.WithUnit("ms"))
	logInstrumentErr(err)

	signStage, err := meter.Float64Histogram("attest.sign.duration",
		metric.WithDescription("Header signing latency"),
		metric.WithUnit("ms"))
	logInstrumentErr(err)

	return &metrics{
		reads:         reads,
		fetchDuration: fetchDuration,
		attestStage:   attestStage,
		signStage:     signStage,
	}
}

func logInstrumentErr(err error) {
	if err != nil {
		log.Warn().Err(err).Msg("failed to create metric instrument")
	}
}

func (m *metrics) readState(ctx context.Context, state cache.State) {
	m.reads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(state)),
	))
}

func (m *metrics) fetch(ctx context.Context, reason token.RefreshReason, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.fetchDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("reason", string(reason)),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) attestLatency(ctx context.Context, d time.Duration) {
	m.attestStage.Record(ctx, float64(d.Milliseconds()))
}

func (m *metrics) signLatency(ctx context.Context, d time.Duration) {
	m.signStage.Record(ctx, float64(d.Milliseconds()))
}
