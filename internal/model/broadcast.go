package model

import (
	"strings"
	"time"
)

type Broadcast struct {
	ID             string          `db:"id" json:"id"`
	DeviceID       string          `db:"device_id" json:"deviceId"`
	Status         BroadcastStatus `db:"status" json:"status"`
	TargetContacts ContactList     `db:"target_contacts" json:"targetContacts"`
	Message        string          `db:"message" json:"message"`
	MediaURL       *string         `db:"media_url" json:"mediaUrl,omitempty"`
	MinDelay       int             `db:"min_delay" json:"minDelay"`
	MaxDelay       int             `db:"max_delay" json:"maxDelay"`
	BatchSize      int             `db:"batch_size" json:"batchSize"`
	BatchPause     int             `db:"batch_pause" json:"batchPause"`
	SentCount      int             `db:"sent_count" json:"sentCount"`
	FailedCount    int             `db:"failed_count" json:"failedCount"`
	ScheduledAt    *time.Time      `db:"scheduled_at" json:"scheduledAt,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updatedAt"`
}

func (b *Broadcast) Media() string {
	if b.MediaURL == nil {
		return ""
	}
	return strings.TrimSpace(*b.MediaURL)
}

// Pacing is the per-job send cadence with zero values replaced by defaults.
type Pacing struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	BatchSize  int
	BatchPause time.Duration
}

func (b *Broadcast) Pacing(defaults Pacing) Pacing {
	p := defaults
	if b.MinDelay > 0 {
		p.MinDelay = time.Duration(b.MinDelay) * time.Millisecond
	}
	if b.MaxDelay > 0 {
		p.MaxDelay = time.Duration(b.MaxDelay) * time.Millisecond
	}
	if b.BatchSize > 0 {
		p.BatchSize = b.BatchSize
	}
	if b.BatchPause > 0 {
		p.BatchPause = time.Duration(b.BatchPause) * time.Millisecond
	}
	return p
}

// Progress is a snapshot of a job's counters.
type Progress struct {
	Sent   int
	Failed int
}

func (p Progress) Done() int {
	return p.Sent + p.Failed
}
