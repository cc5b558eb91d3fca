package models

import (
	"fmt"
	"time"
)

// ResourceKind names the kind of an allocated resource.
type ResourceKind string

const (
	KindCompute ResourceKind = "compute"
	KindVolume  ResourceKind = "volume"
	KindNetwork ResourceKind = "network"
)

// ResourceItem is the priceable shape of a resource. It is comparable so it
// can key a price table.
type ResourceItem struct {
	Kind ResourceKind `json:"kind" yaml:"kind"`
	VCPU int          `json:"vcpu,omitempty" yaml:"vcpu,omitempty"`
	RAM  int          `json:"ram,omitempty" yaml:"ram,omitempty"`
	Size int          `json:"size,omitempty" yaml:"size,omitempty"`
}

func ComputeItem(vcpu, ram int) ResourceItem {
	return ResourceItem{Kind: KindCompute, VCPU: vcpu, RAM: ram}
}

func VolumeItem(size int) ResourceItem {
	return ResourceItem{Kind: KindVolume, Size: size}
}

func (i ResourceItem) String() string {
	switch i.Kind {
	case KindCompute:
		return fmt.Sprintf("compute{vcpu=%d,ram=%d}", i.VCPU, i.RAM)
	case KindVolume:
		return fmt.Sprintf("volume{size=%d}", i.Size)
	default:
		return string(i.Kind)
	}
}

// RecordSpec is the shape of a used resource. Only the fields relevant to
// the record's kind are set.
type RecordSpec struct {
	VCPU           int    `json:"vcpu,omitempty"`
	RAM            int    `json:"ram,omitempty"`
	Size           int    `json:"size,omitempty"`
	CIDR           string `json:"cidr,omitempty"`
	AllocationMode string `json:"allocation_mode,omitempty"`
}

// UsageRecord is a raw accounting entry. A nil EndTime means the resource was
// still active when the record was fetched.
type UsageRecord struct {
	ID           string       `json:"id"`
	OrderID      string       `json:"order_id"`
	ResourceType ResourceKind `json:"resource_type"`
	Spec         *RecordSpec  `json:"spec"`
	Requester    string       `json:"requester"`
	State        string       `json:"state"`
	StartTime    time.Time    `json:"start_time"`
	EndTime      *time.Time   `json:"end_time,omitempty"`
}

// Validate checks the fields proration and pricing rely on.
func (r UsageRecord) Validate() error {
	switch {
	case r.ResourceType == "":
		return fmt.Errorf("%w: record %s has no resource type", ErrInvalidRecord, r.ID)
	case r.Spec == nil:
		return fmt.Errorf("%w: record %s has no spec", ErrInvalidRecord, r.ID)
	case r.StartTime.IsZero():
		return fmt.Errorf("%w: record %s has no start time", ErrInvalidRecord, r.ID)
	case r.EndTime != nil && r.EndTime.Before(r.StartTime):
		return fmt.Errorf("%w: record %s ends before it starts", ErrInvalidRecord, r.ID)
	}
	return nil
}
