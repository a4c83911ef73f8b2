package observability

import (
	"database/sql"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveDBPool(t *testing.T) {
	m := NewTestMetrics()

	m.ObserveDBPool(sql.DBStats{InUse: 3, Idle: 5})

	if got := testutil.ToFloat64(m.DBConnectionsActive); got != 3 {
		t.Errorf("active connections gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.DBConnectionsIdle); got != 5 {
		t.Errorf("idle connections gauge = %v, want 5", got)
	}

	// Gauges track the pool, so a later sample overwrites the last one.
	m.ObserveDBPool(sql.DBStats{InUse: 0, Idle: 8})
	if got := testutil.ToFloat64(m.DBConnectionsActive); got != 0 {
		t.Errorf("active connections gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.DBConnectionsIdle); got != 8 {
		t.Errorf("idle connections gauge = %v, want 8", got)
	}
}
