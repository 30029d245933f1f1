package metrics

import (
	"aquasim/pkg/domain"
	"encoding/json"
	"expvar"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var day = time.Date(2016, 3, 1, 0, 0, 0, 0, time.UTC)

func record(r Recorder) {
	r.Facts(domain.FactFeeding, 3)
	r.Facts(domain.FactMortality, 1)
	r.Mortality(7)
	r.Harvested(100)
	r.FedKg(2.5)
	r.Shortage()
	r.TemporalDrop()
	r.Stall()
	r.Day("run-1", day, 20*time.Millisecond)
	r.HeapBytes(1 << 20)
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	record(p)
	cases := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"feeding facts", p.facts.WithLabelValues("feeding"), 3},
		{"mortality", p.mortality, 7},
		{"harvested", p.harvested, 100},
		{"fed", p.fedKg, 2.5},
		{"shortages", p.shortages, 1},
		{"temporal drops", p.temporalDrop, 1},
		{"stalls", p.stalls, 1},
		{"simulated day", p.simulatedDay.WithLabelValues("run-1"), float64(day.Unix())},
		{"heap", p.heapBytes, 1 << 20},
	}
	for _, tc := range cases {
		if got := testutil.ToFloat64(tc.c); got != tc.want {
			t.Fatalf("%s = %v, want %v", tc.name, got, tc.want)
		}
	}
	if n := testutil.CollectAndCount(p.dayDuration); n != 1 {
		t.Fatalf("expected one histogram, got %d", n)
	}
	if _, err := NewPrometheus(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestExpvarRecorder(t *testing.T) {
	r := NewExpvar("")
	record(r)
	snap := r.Snapshot()
	if snap.Facts[domain.FactFeeding] != 3 || snap.Mortality != 7 || snap.Days != 1 || snap.LastDay["run-1"] != "2016-03-01" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	v := expvar.Get(r.Name())
	if v == nil {
		t.Fatalf("recorder not published")
	}
	var decoded ExpvarSnapshot
	if err := json.Unmarshal([]byte(v.String()), &decoded); err != nil {
		t.Fatalf("decode published value: %v", err)
	}
	if decoded.Harvested != 100 || decoded.HeapBytes != 1<<20 {
		t.Fatalf("published snapshot mismatch %+v", decoded)
	}
	snap.Facts[domain.FactFeeding] = 99
	if r.Snapshot().Facts[domain.FactFeeding] != 3 {
		t.Fatalf("snapshot aliased recorder state")
	}
}

func TestOrNoop(t *testing.T) {
	record(OrNoop(nil))
	if _, ok := OrNoop(nil).(Noop); !ok {
		t.Fatalf("expected Noop")
	}
	p := &Prometheus{}
	if OrNoop(p) != Recorder(p) {
		t.Fatalf("expected passthrough")
	}
}
