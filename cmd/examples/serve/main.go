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

// queue is a Listener fed from a channel, standing in for a message queue
// or an HTTP endpoint.
type queue chan types.WorkflowRequest

func (q queue) WaitForRequest(ctx context.Context) (types.WorkflowRequest, error) {
	select {
	case req := <-q:
		return req, nil
	case <-ctx.Done():
		return types.WorkflowRequest{}, ctx.Err()
	}
}

func main() {
	cfg := config.Default()
	cfg.Logging.Level = "warn"

	store := coordinator.NewMemoryStore()
	c, err := coordinator.New(cfg,
		[]types.Capability{
			agents.NewDataAnalyst(nil),
			agents.NewResearcher(nil),
			agents.NewReportGenerator(nil),
		},
		coordinator.WithLogger(logger.New(cfg.Logging, os.Stderr)),
		coordinator.WithCallback(store),
	)
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}
	defer func() { _ = c.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events := c.Subscribe(ctx)
	go func() {
		for msg := range events {
			if ev := msg.Payload; ev.NodeID != "" && ev.To.Terminal() {
				fmt.Printf("  %s/%s %s\n", ev.WorkflowID, ev.NodeID, ev.To)
			}
		}
	}()

	q := make(queue, 3)
	q <- types.NewRequest("Research competitors and write a summary report")
	q <- types.NewRequest("Analyze the data", types.ArtifactRef{ID: "q3.csv"}, types.ArtifactRef{ID: "notes.txt"})
	q <- types.WorkflowRequest{ID: "translate", Subtasks: []types.Subtask{{ID: "t", Capability: "translation"}}}

	if err := c.Serve(ctx, q); err != nil {
		fmt.Printf("serve: %v\n", err)
	}

	records, _ := store.List(context.Background())
	for _, rec := range records {
		fmt.Printf("%s %s %v", rec.Result.WorkflowID, rec.Result.Status, rec.Result.Counts)
		if rec.Err != "" {
			fmt.Printf(" (%s)", rec.Err)
		}
		fmt.Println()
	}
}
