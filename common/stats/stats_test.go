package stats

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPrecisionChange(t *testing.T) {
	stat := DefaultStatsReceiver().(*defaultStatsReceiver)
	if stat.precision != time.Millisecond {
		t.Fatal("Default precision should be millis.")
	}

	statp := stat.Precision(time.Microsecond).(*defaultStatsReceiver)
	if stat.precision != time.Millisecond {
		t.Fatal("Default precision should still be millis.")
	}
	if statp.precision != time.Microsecond {
		t.Fatal("New stat precision should be micros.")
	}
}

func TestScopeChange(t *testing.T) {
	stat := DefaultStatsReceiver().(*defaultStatsReceiver)
	if len(stat.scope) != 0 {
		t.Fatal("Default scope should be empty.")
	}

	statp := stat.Scope("a/b", "c").(*defaultStatsReceiver)
	if len(stat.scope) != 0 {
		t.Fatal("Default scope should still be empty.")
	}
	if len(statp.scope) != 2 || statp.scope[0] != "a_SLASH_b" || statp.scope[1] != "c" {
		t.Fatal("Invalid scope value: ", statp.scope)
	}
	if statp.scopedName("d") != "a_SLASH_b/c/d" {
		t.Fatal("Invalid scope name: " + statp.scopedName("d"))
	}
}

func TestRegister(t *testing.T) {
	reg := NewJSONStatsRegistry()
	if reg.GetOrRegister("counter", NewCounter()) == nil {
		t.Fatal("Registry did not save instrument")
	}
	if reg.GetOrRegister("gauge", NewGauge()) == nil {
		t.Fatal("Registry did not save instrument")
	}
	if reg.GetOrRegister("gaugeFloat", NewGaugeFloat()) == nil {
		t.Fatal("Registry did not save instrument")
	}
	if reg.GetOrRegister("histogram", NewHistogram()) == nil {
		t.Fatal("Registry did not save instrument")
	}
	if reg.GetOrRegister("latency", NewLatency()) == nil {
		t.Fatal("Registry did not save instrument")
	}
}

func TestMarshal(t *testing.T) {
	reg := NewJSONStatsRegistry()
	reg.GetOrRegister("counter", NewCounter()).(Counter).Inc(1)
	reg.GetOrRegister("gauge", NewGauge()).(Gauge).Update(2)
	reg.GetOrRegister("latency", NewLatency()).(Latency).Time().Stop()

	bytes, err := reg.(MarshalerPretty).MarshalJSONPretty()
	if err != nil {
		t.Fatal("Marshal failed: ", err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(bytes, &data); err != nil {
		t.Fatal("Render output is not json: ", err)
	}
	if data["counter"] != float64(1) {
		t.Fatal("Wrong counter value: ", data["counter"])
	}
	if data["gauge"] != float64(2) {
		t.Fatal("Wrong gauge value: ", data["gauge"])
	}
	if data["latency.count"] != float64(1) {
		t.Fatal("Wrong latency count: ", data["latency.count"])
	}
	for _, key := range []string{"latency.avg", "latency.max", "latency.min", "latency.p50", "latency.p9999", "latency.sum"} {
		if _, ok := data[key]; !ok {
			t.Fatal("Missing histogram key: ", key)
		}
	}
}

func TestRenderAccumulatesCounters(t *testing.T) {
	stat := DefaultStatsReceiver().(*defaultStatsReceiver)
	stat.Counter("counter").Inc(1)

	rendered := string(stat.Render(false))
	if rendered != `{"counter":1}` {
		t.Fatal("Expected current stats in render: ", rendered)
	}

	// Counters survive a render; only histograms reset.
	rendered = string(stat.Render(false))
	if rendered != `{"counter":1}` {
		t.Fatal("Expected counter to survive render: ", rendered)
	}
}

func TestRenderClearsHistograms(t *testing.T) {
	stat := DefaultStatsReceiver().(*defaultStatsReceiver)
	stat.Histogram("hist").Update(10)

	var data map[string]interface{}
	if err := json.Unmarshal(stat.Render(false), &data); err != nil {
		t.Fatal("Render output is not json: ", err)
	}
	if data["hist.count"] != float64(1) {
		t.Fatal("Wrong histogram count: ", data["hist.count"])
	}

	if err := json.Unmarshal(stat.Render(false), &data); err != nil {
		t.Fatal("Render output is not json: ", err)
	}
	if data["hist.count"] != float64(0) {
		t.Fatal("Expected histogram to clear after render: ", data["hist.count"])
	}
}
