package otel

import (
	"context"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected no-op tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "test.span", AttrRunID.String("r1"))
	span.End()
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "bogus"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetrics(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.RunsLaunched == nil || m.EventsBroadcast == nil {
		t.Fatal("expected instruments to be created")
	}
	m.RunsLaunched.Add(context.Background(), 1)
}
