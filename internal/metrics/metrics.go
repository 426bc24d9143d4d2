// Package metrics exposes relay counters through OpenCensus and a Prometheus scrape handler.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"contrib.go.opencensus.io/exporter/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Namespace prefixes every exported metric name.
const Namespace = "relayhub"

var (
	mDevices    = stats.Int64("devices_connected", "Devices currently registered", stats.UnitDimensionless)
	mDashboards = stats.Int64("dashboards_connected", "Dashboards currently registered", stats.UnitDimensionless)
	mRelayed    = stats.Int64("messages_relayed", "Device messages broadcast to dashboards", stats.UnitDimensionless)
	mDropped    = stats.Int64("messages_dropped", "Device messages dropped as malformed", stats.UnitDimensionless)
	mSendFail   = stats.Int64("dashboard_send_failures", "Frames a dashboard could not accept", stats.UnitDimensionless)
	mEvicted    = stats.Int64("devices_evicted", "Devices evicted by the liveness sweep", stats.UnitDimensionless)
	mControl    = stats.Int64("control_requests", "Control requests by outcome", stats.UnitDimensionless)
)

// KeyOutcome tags control requests with their result.
var KeyOutcome = tag.MustNewKey("outcome")

var views = []*view.View{
	{Name: "devices_connected", Measure: mDevices, Aggregation: view.LastValue()},
	{Name: "dashboards_connected", Measure: mDashboards, Aggregation: view.LastValue()},
	{Name: "messages_relayed_total", Measure: mRelayed, Aggregation: view.Sum()},
	{Name: "messages_dropped_total", Measure: mDropped, Aggregation: view.Sum()},
	{Name: "dashboard_send_failures_total", Measure: mSendFail, Aggregation: view.Sum()},
	{Name: "devices_evicted_total", Measure: mEvicted, Aggregation: view.Count()},
	{Name: "control_requests_total", Measure: mControl, Aggregation: view.Count(), TagKeys: []tag.Key{KeyOutcome}},
}

// Register enables the relay views. Registering again is a no-op.
func Register() error {
	if err := view.Register(views...); err != nil {
		return fmt.Errorf("failed to register views: %w", err)
	}
	return nil
}

// Handler returns a Prometheus scrape endpoint for the registered views.
func Handler() (http.Handler, error) {
	pe, err := prometheus.NewExporter(prometheus.Options{Namespace: Namespace})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	return pe, nil
}

// Connections records the current registry sizes.
func Connections(devices, dashboards int) {
	stats.Record(context.Background(), mDevices.M(int64(devices)), mDashboards.M(int64(dashboards)))
}

// Relayed counts one broadcast telemetry frame and its failed deliveries.
func Relayed(failed int) {
	stats.Record(context.Background(), mRelayed.M(1), mSendFail.M(int64(failed)))
}

// Dropped counts one malformed device frame.
func Dropped() {
	stats.Record(context.Background(), mDropped.M(1))
}

// Evicted counts one liveness eviction.
func Evicted() {
	stats.Record(context.Background(), mEvicted.M(1))
}

// Control counts one control request with the given outcome.
func Control(outcome string) {
	_ = stats.RecordWithTags(context.Background(),
		[]tag.Mutator{tag.Upsert(KeyOutcome, outcome)},
		mControl.M(1))
}
