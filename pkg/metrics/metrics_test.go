package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_IndependentRegistries(t *testing.T) {
	// Two collectors with the same namespace must not collide.
	a := NewCollector("comex", prometheus.NewRegistry())
	b := NewCollector("comex", prometheus.NewRegistry())

	a.RecordWritten(3, 2)
	b.RecordWritten(1, 0)

	assert.Equal(t, 3.0, testutil.ToFloat64(a.IngestionRecordsTotal.WithLabelValues("inserted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.IngestionRecordsTotal.WithLabelValues("updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.IngestionRecordsTotal.WithLabelValues("inserted")))
}

func TestCollector_RecordHelpers(t *testing.T) {
	c := NewNopCollector()

	c.RecordSourceFetch("API", "failure", 150*time.Millisecond)
	c.RecordSourceFetch("API", "failure", 10*time.Millisecond)
	c.RecordRejected("product_code")
	c.RecordCatalogLookup(true)
	c.RecordCatalogLookup(false)
	c.RecordCatalogLookup(false)
	c.UpdateDBConnectionPool(2, 3, 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.SourceFetchTotal.WithLabelValues("API", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.IngestionRejectedTotal.WithLabelValues("product_code")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CatalogLookupsTotal.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.CatalogLookupsTotal.WithLabelValues("miss")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.DBConnectionPool.WithLabelValues("total")))
}

func TestTimer_ObserveDuration(t *testing.T) {
	c := NewNopCollector()
	timer := c.NewTimer(c.IngestionDuration)
	d := timer.ObserveDuration()
	assert.GreaterOrEqual(t, int64(d), int64(0))

	nilTimer := c.NewTimer(nil)
	nilTimer.ObserveDuration()
}
