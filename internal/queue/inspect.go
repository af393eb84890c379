package queue

import (
	"context"

	"github.com/clusive/readerqueue/internal/buffer"
	"github.com/clusive/readerqueue/internal/events"
)

// Report summarises what the local buffer holds for one queue.
type Report struct {
	Queue      string              `json:"queue"`
	Pending    int                 `json:"pending"`
	ByType     map[events.Type]int `json:"byType,omitempty"`
	Oldest     string              `json:"oldest,omitempty"`
	Newest     string              `json:"newest,omitempty"`
	LastReturn *DiagnosticRecord   `json:"lastReturn,omitempty"`
}

// Inspect reads the named queue's buffer entries without loading the queue.
func Inspect(ctx context.Context, buf buffer.Storage, name string) (Report, error) {
	rep := Report{Queue: name}

	stored, err := Stored(ctx, buf, name)
	if err != nil {
		return rep, err
	}
	rep.Pending = len(stored)
	if len(stored) > 0 {
		rep.ByType = make(map[events.Type]int)
		for _, env := range stored {
			rep.ByType[env.Message.Type]++
		}
		rep.Oldest = stored[0].Timestamp
		rep.Newest = stored[len(stored)-1].Timestamp
	}

	rep.LastReturn, err = LastReturn(ctx, buf, name)
	if err != nil {
		return rep, err
	}
	return rep, nil
}
