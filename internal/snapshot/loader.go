// Package snapshot fetches the initial appointment collection from the
// query service and turns it into store-ready records.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThanhHiep25/Detal-CRM-sub002/internal/normalizer"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/interfaces"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/types"
)

// Fetch modes
const (
	ModeAll         = "all"
	ModeDaySchedule = "day_schedule"
)

// Filter narrows the snapshot. The day schedule is used only when both
// fields are set.
type Filter struct {
	DentistID *int64
	Date      string
}

// Mode reports which query the filter selects
func (f Filter) Mode() string {
	if f.DentistID != nil && f.Date != "" {
		return ModeDaySchedule
	}
	return ModeAll
}

// Result is one loaded snapshot
type Result struct {
	Records map[int64]types.AppointmentRecord
	// Skipped counts entries dropped because they carried no usable id
	Skipped int
	Mode    string
}

// Loader loads snapshots through an AppointmentQueryService
type Loader struct {
	query interfaces.AppointmentQueryService
}

// NewLoader creates a new snapshot loader
func NewLoader(query interfaces.AppointmentQueryService) *Loader {
	return &Loader{query: query}
}

// Load fetches and normalizes the snapshot selected by filter. Errors are
// returned as *types.SyncError; the caller decides whether to swallow them.
func (l *Loader) Load(ctx context.Context, filter Filter) (*Result, error) {
	mode := filter.Mode()

	var (
		payload json.RawMessage
		err     error
	)
	if mode == ModeDaySchedule {
		payload, err = l.query.GetDaySchedule(ctx, *filter.DentistID, filter.Date)
	} else {
		payload, err = l.query.GetAll(ctx)
	}
	if err != nil {
		return nil, types.NewSnapshotError(types.ErrCodeSnapshotFailed,
			fmt.Sprintf("failed to fetch %s snapshot", mode), err)
	}

	items, err := UnwrapList(payload)
	if err != nil {
		return nil, types.NewSnapshotError(types.ErrCodeDecodeFailed,
			fmt.Sprintf("failed to unwrap %s snapshot", mode), err)
	}

	result := &Result{
		Records: make(map[int64]types.AppointmentRecord, len(items)),
		Mode:    mode,
	}
	for _, item := range items {
		event, err := normalizer.Normalize(item)
		if err != nil {
			result.Skipped++
			continue
		}
		if existing, ok := result.Records[event.ID]; ok {
			existing.Apply(event)
			result.Records[event.ID] = existing
			continue
		}
		result.Records[event.ID] = types.NewRecord(event)
	}

	return result, nil
}

// LoadOne fetches a single appointment and normalizes it
func (l *Loader) LoadOne(ctx context.Context, id int64) (*types.NormalizedEvent, error) {
	payload, err := l.query.GetOne(ctx, id)
	if err != nil {
		return nil, types.NewRefreshError(types.ErrCodeRefreshFailed,
			fmt.Sprintf("failed to fetch appointment %d", id), err)
	}

	item, err := UnwrapOne(payload)
	if err != nil {
		return nil, types.NewRefreshError(types.ErrCodeDecodeFailed,
			fmt.Sprintf("failed to unwrap appointment %d", id), err)
	}

	event, err := normalizer.Normalize(item)
	if err != nil {
		return nil, types.NewRefreshError(types.ErrCodeNormalizeFailed,
			fmt.Sprintf("appointment %d could not be normalized", id), err)
	}
	return event, nil
}
