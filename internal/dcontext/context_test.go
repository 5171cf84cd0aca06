package dcontext

import (
	"context"
	"testing"
)

func TestRegistryHostRoundTrip(t *testing.T) {
	ctx := context.Background()
	if GetRegistryHost(ctx) != "" {
		t.Fatal("context should not yet have a registry host")
	}

	ctx = WithRegistryHost(ctx, "registry.example.com:5000")
	if got := GetRegistryHost(ctx); got != "registry.example.com:5000" {
		t.Fatalf("registry host was not set: %q", got)
	}
}

func TestGetLoggerReturnsContextLogger(t *testing.T) {
	ctx := context.Background()
	logger := GetLoggerWithField(ctx, "request.id", "abc123")
	ctx = WithLogger(ctx, logger)

	if GetLogger(ctx) == nil {
		t.Fatal("expected a logger from the context")
	}
}
