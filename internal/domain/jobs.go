package domain

import (
	"context"
	"time"
)

// RefreshJobCause описывает источник запроса на обновление.
type RefreshJobCause string

const (
	// RefreshCauseManual — обновление запрошено вручную.
	RefreshCauseManual RefreshJobCause = "manual"
	// RefreshCauseScheduled — обновление запланировано по таймеру.
	RefreshCauseScheduled RefreshJobCause = "scheduled"
)

// RefreshJob содержит информацию о задаче обновления кэша.
type RefreshJob struct {
	ID          string          `json:"job_id"`
	Cause       RefreshJobCause `json:"cause"`
	Force       bool            `json:"force"`
	RequestedAt time.Time       `json:"requested_at"`
}

// RefreshQueue описывает очередь задач обновления.
type RefreshQueue interface {
	Enqueue(ctx context.Context, job RefreshJob) error
	Pop(ctx context.Context) (RefreshJob, error)
}
