package metrics

import (
	"context"
	"time"

	"github.com/taskweave/taskweave/internal/orchestration/client"
)

// instrumentedInvoker decorates a backend with latency and spend
// accounting. The engine sees an ordinary Invoker.
type instrumentedInvoker struct {
	inner client.Invoker
	set   *Set
}

// InstrumentInvoker wraps an invoker so every call feeds the backend
// latency histogram and the token and cost counters.
func InstrumentInvoker(inner client.Invoker, set *Set) client.Invoker {
	return &instrumentedInvoker{inner: inner, set: set}
}

func (i *instrumentedInvoker) Backend() client.Backend {
	return i.inner.Backend()
}

func (i *instrumentedInvoker) CheckAvailable(ctx context.Context) error {
	return i.inner.CheckAvailable(ctx)
}

func (i *instrumentedInvoker) Invoke(ctx context.Context, req client.Request) (*client.Response, error) {
	backend := string(i.inner.Backend())
	start := time.Now()

	resp, err := i.inner.Invoke(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = string(client.KindOf(err))
	}
	i.set.BackendLatency.WithLabelValues(backend, outcome).Observe(time.Since(start).Seconds())

	if resp != nil {
		if resp.Tokens.Input > 0 {
			i.set.TokensTotal.WithLabelValues(backend, "input").Add(float64(resp.Tokens.Input))
		}
		if resp.Tokens.Output > 0 {
			i.set.TokensTotal.WithLabelValues(backend, "output").Add(float64(resp.Tokens.Output))
		}
		if resp.CostUSD > 0 {
			i.set.CostUSDTotal.WithLabelValues(backend).Add(resp.CostUSD)
		}
	}
	return resp, err
}
