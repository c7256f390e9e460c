package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
)

type InfluxConfig struct {
	Host     string
	Token    string
	Database string
}

func (cfg *InfluxConfig) Validate() error {
	if cfg.Host == "" {
		return errors.New("influx host is required")
	}
	if cfg.Database == "" {
		return errors.New("influx database is required")
	}
	return nil
}

// InfluxSink writes points to InfluxDB 3.
type InfluxSink struct {
	client *influxdb3.Client
}

func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     cfg.Host,
		Token:    cfg.Token,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create influx client: %w", err)
	}
	return &InfluxSink{client: client}, nil
}

func (s *InfluxSink) Emit(ctx context.Context, p Point) error {
	point := ToInfluxPoint(p)
	if err := s.client.WritePoints(ctx, []*influxdb3.Point{point}); err != nil {
		return fmt.Errorf("failed to write %s point: %w", p.Measurement(), err)
	}
	return nil
}

func (s *InfluxSink) Close() error {
	return s.client.Close()
}

// ToInfluxPoint converts a Point to its line protocol representation.
func ToInfluxPoint(p Point) *influxdb3.Point {
	return influxdb3.NewPoint(p.Measurement(), p.Tags(), p.Fields(), p.Time())
}
