package api

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/ggoodman/rpc-server-go/rpc"
)

type TaskInput struct {
	TaskName string `json:"taskName" validate:"required,max=100" jsonschema:"description=Name echoed back in every step"`
}

type TaskProgress struct {
	TaskName string `json:"taskName"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

var taskSteps = []string{"queued", "running", "finalizing", "done"}

func tasksNamespace(delay time.Duration) rpc.Namespace {
	return rpc.Namespace{
		"streamingTask": rpc.Stream(rpc.PublicProcedure,
			func(ctx context.Context, _ *rpc.Context, in TaskInput) iter.Seq2[rpc.Chunk[TaskProgress], error] {
				return runTask(ctx, in.TaskName, delay)
			},
			rpc.WithDescription("Report progress of a simulated task, one step at a time."),
		),
	}
}

func runTask(ctx context.Context, name string, delay time.Duration) iter.Seq2[rpc.Chunk[TaskProgress], error] {
	total := len(taskSteps)
	return func(yield func(rpc.Chunk[TaskProgress], error) bool) {
		for i, status := range taskSteps {
			if i > 0 && delay > 0 {
				if err := rpc.Sleep(ctx, delay); err != nil {
					yield(rpc.Chunk[TaskProgress]{}, err)
					return
				}
			}
			chunk := rpc.Chunk[TaskProgress]{
				Step:  i + 1,
				Total: total,
				Payload: TaskProgress{
					TaskName: name,
					Status:   status,
					Message:  fmt.Sprintf("%s: step %d of %d", name, i+1, total),
				},
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}
