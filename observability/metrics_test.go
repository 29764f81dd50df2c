package observability

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSettlementMetrics(t *testing.T) {
	m := Settlement()
	require.Same(t, m, Settlement())

	m.ObserveSettlement("commit", "committed", 2*time.Second)
	m.ObserveSettlement("commit", "committed", time.Second)
	require.Equal(t, 2.0, testutil.ToFloat64(m.settlements.WithLabelValues("commit", "committed")))

	m.ObserveEligibility("epoch ended", true)
	require.Equal(t, 1.0, testutil.ToFloat64(m.eligibility.WithLabelValues("epoch ended", "true")))

	before := testutil.ToFloat64(m.paid)
	m.AddPaid(big.NewInt(40000))
	m.AddPaid(big.NewInt(-1))
	require.Equal(t, before+40000, testutil.ToFloat64(m.paid))

	m.ObserveChainCall("eth_call", nil)
	m.ObserveChainCall("eth_call", errors.New("boom"))
	require.Equal(t, 1.0, testutil.ToFloat64(m.chainErrors.WithLabelValues("eth_call")))

	m.SetPause(true)
	require.Equal(t, 1.0, testutil.ToFloat64(m.pauseEngaged))
	m.SetPause(false)
	require.Zero(t, testutil.ToFloat64(m.pauseEngaged))

	m.RecordRollover(12, nil)
	require.Equal(t, 12.0, testutil.ToFloat64(m.currentEpoch))
	m.RecordRollover(13, errors.New("db down"))
	require.Equal(t, 12.0, testutil.ToFloat64(m.currentEpoch))
}

func TestAPIAndIngestMetrics(t *testing.T) {
	API().Observe("/rewards/proof", "GET", 404, time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(API().errors.WithLabelValues("/rewards/proof", "GET", "404")))

	var nilMetrics *apiMetrics
	nilMetrics.Observe("", "", 500, 0)

	Ingest().RecordReport("accepted", 12.5)
	Ingest().RecordReport("rejected", 99)
	require.Equal(t, 12.5, testutil.ToFloat64(Ingest().traffic))
}
