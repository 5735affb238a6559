package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	second := New(reg)

	first.DeploymentStarted()
	first.DeploymentFinished("completed")
	second.DeploymentFinished("completed")

	if got := testutil.ToFloat64(first.deployments.WithLabelValues("completed")); got != 2 {
		t.Fatalf("expected shared counter at 2, got %v", got)
	}
}

func TestRecorderSamples(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.ProcessSample("blog", "20001", 12.5, 4096)
	if got := testutil.ToFloat64(r.processCPU.WithLabelValues("blog", "20001")); got != 12.5 {
		t.Fatalf("unexpected cpu gauge %v", got)
	}
	r.ProcessGone("blog", "20001")
	if n := testutil.CollectAndCount(r.processMemory); n != 0 {
		t.Fatalf("expected memory gauge removed, got %d series", n)
	}
	r.ObserveStage("building", "ok", time.Second)
	r.SleepTransition("wake", "ok")
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.DeploymentStarted()
	r.DeploymentFinished("failed")
	r.ProcessCrashed("x")
	r.ObserveWake(time.Second)
}
