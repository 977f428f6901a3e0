package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/avi3tal/coordinator/internal/config"
	"github.com/avi3tal/coordinator/internal/logger"
	"github.com/avi3tal/coordinator/pkg/agents"
	"github.com/avi3tal/coordinator/pkg/coordinator"
	"github.com/avi3tal/coordinator/pkg/types"
)

// number reads "value" from the node input, or from the single upstream
// output when the node depends on another.
func number(inv types.Invocation) (int, error) {
	for _, out := range inv.Upstream {
		if v, ok := out["value"].(int); ok {
			return v, nil
		}
	}
	if v, ok := inv.Input["value"].(int); ok {
		return v, nil
	}
	return 0, fmt.Errorf("node %s: no value", inv.NodeID)
}

func arithmetic(tag string, op func(int) int) types.Capability {
	return agents.NewFunc(types.CapabilitySpec{Tag: tag, Name: tag, MaxConcurrency: 2}, func(_ context.Context, inv types.Invocation) (types.Payload, error) {
		v, err := number(inv)
		if err != nil {
			return nil, types.Permanent(err)
		}
		return types.Payload{"value": op(v)}, nil
	})
}

func main() {
	cfg := config.Default()
	cfg.Logging.Level = "warn"

	caps := []types.Capability{
		arithmetic("double", func(v int) int { return v * 2 }),
		arithmetic("add-ten", func(v int) int { return v + 10 }),
		arithmetic("divide-by-three", func(v int) int { return v / 3 }),
	}

	c, err := coordinator.New(cfg, caps, coordinator.WithLogger(logger.New(cfg.Logging, os.Stderr)))
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}
	defer func() { _ = c.Close(context.Background()) }()

	req := types.WorkflowRequest{
		ID: "simple",
		Subtasks: []types.Subtask{
			{ID: "double", Capability: "double", Input: types.Payload{"value": 5}},
			{ID: "add_ten", Capability: "add-ten", DependsOn: []string{"double"}},
			{ID: "divide_by_three", Capability: "divide-by-three", DependsOn: []string{"add_ten"}},
		},
	}

	fmt.Printf("Initial value: %d\n", 5)

	start := time.Now()
	res, err := c.Execute(context.Background(), req)
	if err != nil {
		log.Fatalf("Failed to execute workflow: %v", err)
	}

	final, _ := res.Output.Section("divide_by_three")
	fmt.Printf("Status: %s\n", res.Status)
	fmt.Printf("Final value: %v\n", final.Output["value"])
	fmt.Printf("Execution time: %v\n", time.Since(start))

	// Expected flow:
	// 5 -> double -> 10 -> add_ten -> 20 -> divide_by_three -> 6
}
