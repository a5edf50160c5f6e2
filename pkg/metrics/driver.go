package metrics

import (
	"context"
	"time"

	"foreman/pkg/driver"
)

// PriceFunc fills in cost for a usage record the backend did not price.
type PriceFunc func(u driver.Usage) driver.Usage

type instrumented struct {
	driver.Driver
	rec        *Recorder
	workflowID string
	agent      string
	price      PriceFunc
	now        func() time.Time
}

// WrapDriver records every call made through d. price may be nil.
func WrapDriver(d driver.Driver, rec *Recorder, workflowID, agent string, price PriceFunc) driver.Driver {
	if price == nil {
		price = func(u driver.Usage) driver.Usage { return u }
	}
	return &instrumented{Driver: d, rec: rec, workflowID: workflowID, agent: agent, price: price, now: time.Now}
}

func (i *instrumented) call(op string) Call {
	return Call{WorkflowID: i.workflowID, Agent: i.agent, Driver: i.Driver.Name(), Operation: op}
}

func (i *instrumented) Generate(ctx context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
	start := i.now()
	res, err := i.Driver.Generate(ctx, req)
	var usage *driver.Usage
	if u, ok := i.Driver.Usage(); ok {
		priced := i.price(u)
		usage = &priced
	}
	i.rec.Observe(i.call(OpGenerate), usage, err, i.now().Sub(start))
	return res, err //nolint:wrapcheck // transparent decorator
}

func (i *instrumented) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	start := i.now()
	stream, err := i.Driver.ExecuteAgentic(ctx, req)
	if err != nil {
		i.rec.Observe(i.call(OpAgentic), nil, err, i.now().Sub(start))
		return nil, err //nolint:wrapcheck // transparent decorator
	}

	out := make(chan driver.AgenticMessage)
	go func() {
		defer close(out)
		var acc driver.Accumulator
		var final error
		terminal := false
		forward := true
		for m := range stream {
			acc.Observe(m)
			if m.Terminal() && !terminal {
				terminal = true
				if m.Type == driver.MessageError {
					final = m.Err
				}
			}
			if forward && !driver.Send(ctx, out, m) {
				forward = false
			}
		}
		if !terminal {
			final = driver.ErrStreamIncomplete
		}
		var usage *driver.Usage
		if u, ok := acc.Total(); ok {
			priced := i.price(u)
			usage = &priced
		}
		i.rec.Observe(i.call(OpAgentic), usage, final, i.now().Sub(start))
	}()
	return out, nil
}
