package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/ocppgw/core/metrics"
	"github.com/kilianp07/ocppgw/infra/logger"
)

// InfluxSink writes gateway events to an InfluxDB instance using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// InfluxConfig holds the InfluxDB connection settings.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(cfg InfluxConfig) coremetrics.MetricsSink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

func (s *InfluxSink) write(p *write.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordFrame writes one frame event.
func (s *InfluxSink) RecordFrame(ev coremetrics.FrameEvent) error {
	p := write.NewPointWithMeasurement("ocpp_frame").
		AddTag("station_id", ev.StationID).
		AddTag("direction", string(ev.Direction)).
		AddTag("type", ev.Type)
	if ev.Action != "" {
		p = p.AddTag("action", ev.Action)
	}
	if ev.ErrorCode != "" {
		p = p.AddTag("error_code", ev.ErrorCode)
	}
	p = p.AddField("count", 1).SetTime(ev.Time)
	return s.write(p)
}

// RecordCommand writes the outcome of a server initiated CALL.
func (s *InfluxSink) RecordCommand(ev coremetrics.CommandEvent) error {
	p := write.NewPointWithMeasurement("ocpp_command").
		AddTag("station_id", ev.StationID).
		AddTag("action", ev.Action).
		AddTag("outcome", ev.Outcome).
		AddTag("message_id", ev.MessageID).
		AddField("latency_ms", round3(ev.Latency.Seconds()*1000)).
		SetTime(ev.Time)
	return s.write(p)
}

// RecordConnection writes a connect or disconnect event.
func (s *InfluxSink) RecordConnection(ev coremetrics.ConnectionEvent) error {
	p := write.NewPointWithMeasurement("station_connection").
		AddTag("station_id", ev.StationID).
		AddTag("connected", strconv.FormatBool(ev.Connected)).
		AddField("active", ev.Active)
	if ev.Reason != "" {
		p = p.AddField("reason", ev.Reason)
	}
	return s.write(p.SetTime(ev.Time))
}

// RecordPending writes the size of the pending request table.
func (s *InfluxSink) RecordPending(n int) error {
	p := write.NewPointWithMeasurement("ocpp_pending_requests").
		AddField("count", n).
		SetTime(time.Now())
	return s.write(p)
}

// Close releases the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
