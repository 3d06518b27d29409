package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequestLabels(t *testing.T) {
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/files/{id}", "404"))
	RecordRequest("GET", "/files/{id}", 404, 3*time.Millisecond)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/files/{id}", "404"))
	if after-before != 1 {
		t.Fatalf("counter moved by %v, want 1", after-before)
	}
}

func TestRecordRedirectOutcome(t *testing.T) {
	hit := testutil.ToFloat64(redirectsTotal.WithLabelValues("hit"))
	miss := testutil.ToFloat64(redirectsTotal.WithLabelValues("miss"))
	RecordRedirect(true)
	RecordRedirect(false)
	RecordRedirect(false)
	if got := testutil.ToFloat64(redirectsTotal.WithLabelValues("hit")) - hit; got != 1 {
		t.Errorf("hit delta = %v", got)
	}
	if got := testutil.ToFloat64(redirectsTotal.WithLabelValues("miss")) - miss; got != 2 {
		t.Errorf("miss delta = %v", got)
	}
}

func TestTransferGauge(t *testing.T) {
	active := testutil.ToFloat64(transfersActive)
	interrupted := testutil.ToFloat64(transfersInterrupted)
	TransferStarted()
	TransferStarted()
	TransferFinished(false)
	TransferFinished(true)
	if got := testutil.ToFloat64(transfersActive); got != active {
		t.Errorf("active gauge = %v, want %v", got, active)
	}
	if got := testutil.ToFloat64(transfersInterrupted) - interrupted; got != 1 {
		t.Errorf("interrupted delta = %v", got)
	}
}

func TestRecordSweep(t *testing.T) {
	runs := testutil.ToFloat64(sweepRunsTotal)
	deleted := testutil.ToFloat64(sweepDeletedTotal)
	RecordSweep(3, 1, time.Second)
	if testutil.ToFloat64(sweepRunsTotal)-runs != 1 {
		t.Error("sweep run not counted")
	}
	if testutil.ToFloat64(sweepDeletedTotal)-deleted != 3 {
		t.Error("deleted records not counted")
	}
}
