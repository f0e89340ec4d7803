package camunda

import (
	"context"
	"testing"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	processed []string
	durations int
}

func (r *recorder) RecordJobProcessed(_ context.Context, taskType, status string) {
	r.processed = append(r.processed, taskType+":"+status)
}

func (r *recorder) RecordJobDuration(context.Context, string, time.Duration) {
	r.durations++
}

func TestInstrument(t *testing.T) {
	calls := 0
	handler := func(worker.JobClient, entities.Job) { calls++ }
	job := entities.Job{ActivatedJob: &pb.ActivatedJob{Key: 1, Type: "segment-customers"}}

	rec := &recorder{}
	Instrument("segment-customers", handler, rec)(nil, job)

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"segment-customers:handled"}, rec.processed)
	assert.Equal(t, 1, rec.durations)

	Instrument("segment-customers", handler, nil)(nil, job)
	assert.Equal(t, 2, calls)
}
