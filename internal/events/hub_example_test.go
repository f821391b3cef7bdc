package events

import (
	"context"
	"fmt"
	"time"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit counts dead letters per reason.
func ExampleHub_Emit() {
	reasons := map[string]int{}
	hub := NewHub(Config{MaxBatchEvents: 1, MaxBatchWait: time.Second},
		sinkFunc(func(_ context.Context, batch []Event) error {
			for _, evt := range batch {
				if evt.Stage == StageJobDeadLettered {
					reasons[evt.Reason]++
				}
			}
			return nil
		}))

	hub.Emit(Event{JobID: "a", Stage: StageJobDeadLettered, Reason: "max_attempts"})
	hub.Emit(Event{JobID: "b", Stage: StageJobDeadLettered, Reason: "strategy_exhausted"})
	hub.Emit(Event{JobID: "c", Stage: StageJobDeadLettered, Reason: "max_attempts"})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println(reasons["max_attempts"], reasons["strategy_exhausted"])
	// Output:
	// 2 1
}
