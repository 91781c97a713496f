package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/GrayDragon82/lifecycle"
)

type noisy struct{}

func (noisy) Initialize(context.Context) error { return nil }

func TestSetup_ExportsKernelSpans(t *testing.T) {
	r := require.New(t)
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := Setup("kernelctl-test", true, &buf)
	r.NoError(err)

	ctx := context.Background()
	c := lifecycle.New()
	r.NoError(c.Register(ctx, "noisy", noisy{}))
	r.NoError(c.Initialize(ctx))
	r.NoError(shutdown(ctx))

	out := buf.String()
	r.Contains(out, "lifecycle.apply_phase")
	r.Contains(out, "lifecycle.initialize")
	r.Contains(out, "kernelctl-test")
}

func TestSetup_Disabled(t *testing.T) {
	r := require.New(t)
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := Setup("kernelctl-test", false, nil)
	r.NoError(err)
	_, span := otel.Tracer("test").Start(context.Background(), "ignored")
	r.False(span.SpanContext().IsValid())
	span.End()
	r.NoError(shutdown(context.Background()))
}
