package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRegistry_IncrementCounter(t *testing.T) {
	registry := NewRegistry()

	registry.IncrementCounter("chat_send_total", nil, "Sends")
	if got := registry.CounterValue("chat_send_total", nil); got != 1 {
		t.Fatalf("Expected counter value 1, got %f", got)
	}

	labels := map[string]string{"result": "sent"}
	registry.IncrementCounter("chat_send_total", labels, "Sends")
	registry.IncrementCounter("chat_send_total", labels, "Sends")

	snap := registry.Snapshot()
	counter, exists := snap.Counters["chat_send_total{result=sent}"]
	if !exists {
		t.Fatalf("Expected labeled counter to exist, have %v", snap.Counters)
	}
	if counter.Value != 2 {
		t.Fatalf("Expected labeled counter value 2, got %f", counter.Value)
	}
	if counter.Labels["result"] != "sent" {
		t.Errorf("Expected label to be copied, got %v", counter.Labels)
	}
}

func TestRegistry_AddToCounter(t *testing.T) {
	registry := NewRegistry()

	registry.AddToCounter("bytes_relayed", 512, nil, "")
	registry.AddToCounter("bytes_relayed", 256.5, nil, "")

	if got := registry.CounterValue("bytes_relayed", nil); got != 768.5 {
		t.Fatalf("Expected 768.5, got %f", got)
	}
	if got := registry.CounterValue("missing", nil); got != 0 {
		t.Fatalf("Expected 0 for unknown counter, got %f", got)
	}
}

func TestRegistry_MetricKeyIsOrderIndependent(t *testing.T) {
	a := metricKey("relay_requests_total", map[string]string{"status": "200", "method": "GET"})
	b := metricKey("relay_requests_total", map[string]string{"method": "GET", "status": "200"})

	if a != b {
		t.Fatalf("Expected identical keys, got %q and %q", a, b)
	}
	if a != "relay_requests_total{method=GET,status=200}" {
		t.Errorf("Unexpected key %q", a)
	}
	if metricKey("plain", nil) != "plain" {
		t.Errorf("Expected unlabeled key to be the name")
	}
}

func TestRegistry_RecordTimer(t *testing.T) {
	registry := NewRegistry()

	for i := 1; i <= 20; i++ {
		registry.RecordTimer("chat_send_duration", time.Duration(i)*time.Millisecond, nil, "Send latency")
	}

	timer, ok := registry.Snapshot().Timers["chat_send_duration"]
	if !ok {
		t.Fatal("Expected timer to exist")
	}
	if timer.Count != 20 {
		t.Errorf("Expected count 20, got %d", timer.Count)
	}
	if timer.Min != 1 || timer.Max != 20 {
		t.Errorf("Expected min 1 and max 20, got %f and %f", timer.Min, timer.Max)
	}
	if timer.Average != 10.5 {
		t.Errorf("Expected average 10.5, got %f", timer.Average)
	}
	if timer.P95 != 20 {
		t.Errorf("Expected p95 20, got %f", timer.P95)
	}
}

func TestRegistry_TimerSamplesAreBounded(t *testing.T) {
	registry := NewRegistry()
	for i := 0; i < maxTimerSamples+50; i++ {
		registry.RecordTimer("t", time.Millisecond, nil, "")
	}

	registry.mu.RLock()
	n := len(registry.timers["t"].samples)
	registry.mu.RUnlock()
	if n != maxTimerSamples {
		t.Fatalf("Expected %d samples, got %d", maxTimerSamples, n)
	}
}

func TestRegistry_SetGauge(t *testing.T) {
	registry := NewRegistry()

	if _, ok := registry.GaugeValue("realtime_connected", nil); ok {
		t.Fatal("Expected unset gauge")
	}

	registry.SetGauge("realtime_connected", 1, nil, "")
	registry.SetGauge("realtime_connected", 0, nil, "")

	got, ok := registry.GaugeValue("realtime_connected", nil)
	if !ok || got != 0 {
		t.Fatalf("Expected gauge 0, got %f (set=%v)", got, ok)
	}
}

func TestRegistry_SnapshotIsCopy(t *testing.T) {
	registry := NewRegistry()
	registry.SetGauge("realtime_channel_refs", 2, map[string]string{"channel": "chat-app"}, "")

	snap := registry.Snapshot()
	g := snap.Gauges["realtime_channel_refs{channel=chat-app}"]
	g.Labels["channel"] = "mutated"

	again := registry.Snapshot().Gauges["realtime_channel_refs{channel=chat-app}"]
	if again.Labels["channel"] != "chat-app" {
		t.Fatalf("Snapshot labels alias registry state")
	}
}

func TestRegistry_Reset(t *testing.T) {
	registry := NewRegistry()
	registry.IncrementCounter("c", nil, "")
	registry.Reset()

	if got := registry.CounterValue("c", nil); got != 0 {
		t.Fatalf("Expected reset counter, got %f", got)
	}
}

func TestRegistry_WritePrometheus(t *testing.T) {
	registry := NewRegistry()
	registry.IncrementCounter("chat_send_total", map[string]string{"result": "failed"}, "Backend sends by result")
	registry.IncrementCounter("chat_send_total", map[string]string{"result": "sent"}, "Backend sends by result")
	registry.SetGauge("realtime_connected", 1, nil, "")
	registry.RecordTimer("relay_duration", 5*time.Millisecond, nil, "")

	var b strings.Builder
	if err := registry.WritePrometheus(&b); err != nil {
		t.Fatal(err)
	}
	out := b.String()

	for _, want := range []string{
		"# HELP chat_send_total Backend sends by result\n# TYPE chat_send_total counter\n",
		`chat_send_total{result="failed"} 1`,
		`chat_send_total{result="sent"} 1`,
		"# TYPE realtime_connected gauge\nrealtime_connected 1\n",
		"relay_duration_ms_count 1",
		`relay_duration_ms{quantile="0.95"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q\n%s", want, out)
		}
	}
	if strings.Count(out, "# TYPE chat_send_total") != 1 {
		t.Errorf("Expected one TYPE line per metric name\n%s", out)
	}
}

func TestRegistry_Handler(t *testing.T) {
	registry := NewRegistry()
	registry.IncrementCounter("relay_requests_total", nil, "")

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Expected JSON, got %q", ct)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Counters["relay_requests_total"].Value != 1 {
		t.Errorf("Unexpected snapshot %+v", snap.Counters)
	}

	rec = httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics?format=prometheus", nil))
	if !strings.Contains(rec.Body.String(), "relay_requests_total 1") {
		t.Errorf("Unexpected prometheus output %q", rec.Body.String())
	}
}

func TestGlobalRegistry_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncrementCounter("global_concurrent_total", nil, "")
			SetGauge("global_concurrent_gauge", 1, nil, "")
			RecordTimer("global_concurrent_timer", time.Millisecond, nil, "")
		}()
	}
	wg.Wait()

	if got := CounterValue("global_concurrent_total", nil); got != 20 {
		t.Fatalf("Expected 20, got %f", got)
	}
	if _, ok := GetAllMetrics().Timers["global_concurrent_timer"]; !ok {
		t.Fatal("Expected global timer")
	}
}
