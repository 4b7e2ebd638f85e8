package telemetry

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/example/alias-ledger/internal/ledger"
	"github.com/example/alias-ledger/internal/storage/memory"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "ledger", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTransferIsTraced(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := newProvider(resource.Default(), sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	store := memory.New(0)
	svc := ledger.NewTransferService(ledger.TransferDeps{Aliases: store, Store: store})
	_, err := svc.Transfer(context.Background(), ledger.TransferCommand{FromAlias: "a", ToAlias: "b", Amount: decimal.NewFromInt(1)})
	require.Error(t, err)

	spans := rec.Ended()
	require.NotEmpty(t, spans)
	assert.Equal(t, "ledger.Transfer", spans[len(spans)-1].Name())
}
