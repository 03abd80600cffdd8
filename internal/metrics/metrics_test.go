package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveValidation(t *testing.T) {
	before := testutil.ToFloat64(ValidationsTotal.WithLabelValues("ALLOW"))
	ObserveValidation("ALLOW", 22, time.Now())
	assert.Equal(t, before+1, testutil.ToFloat64(ValidationsTotal.WithLabelValues("ALLOW")))
}

func TestObserveJob(t *testing.T) {
	okBefore := testutil.ToFloat64(ReconcilerRuns.WithLabelValues("test_job", "success"))
	errBefore := testutil.ToFloat64(ReconcilerRuns.WithLabelValues("test_job", "error"))

	ObserveJob("test_job", nil, time.Now())
	ObserveJob("test_job", errors.New("boom"), time.Now())

	assert.Equal(t, okBefore+1, testutil.ToFloat64(ReconcilerRuns.WithLabelValues("test_job", "success")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(ReconcilerRuns.WithLabelValues("test_job", "error")))
}

func TestObserveHTTP(t *testing.T) {
	ObserveHTTP("POST", "/v1/sessions/validate", 200, 15*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(HTTPRequestDuration.WithLabelValues("POST", "/v1/sessions/validate", "200").(prometheus.Histogram)))
}
