package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/finance-service/pkg/models"
)

var ErrUnknownItemType = errors.New("unknown resource item type")

// TimeUsed is the part of the record's lifetime that falls inside
// [start, end]. A record without an end time is treated as running through
// the end of the window. Callers are expected to pass overlapping windows;
// a disjoint record yields a non-positive duration.
func TimeUsed(record models.UsageRecord, start, end time.Time) time.Duration {
	effectiveStart := start
	if record.StartTime.After(start) {
		effectiveStart = record.StartTime
	}

	effectiveEnd := end
	if record.EndTime != nil && record.EndTime.Before(end) {
		effectiveEnd = *record.EndTime
	}

	return effectiveEnd.Sub(effectiveStart)
}

// ItemFromRecord derives the pricing key of a usage record. Only compute and
// volume usage is billable.
func ItemFromRecord(record models.UsageRecord) (models.ResourceItem, error) {
	if record.Spec == nil {
		return models.ResourceItem{}, fmt.Errorf("%w: record %s", models.ErrInvalidRecord, record.ID)
	}

	switch record.ResourceType {
	case models.KindCompute:
		return models.ComputeItem(record.Spec.VCPU, record.Spec.RAM), nil
	case models.KindVolume:
		return models.VolumeItem(record.Spec.Size), nil
	default:
		return models.ResourceItem{}, fmt.Errorf("%w: %q", ErrUnknownItemType, record.ResourceType)
	}
}
