// Package models defines the core domain models for the simulation engine:
// resources, resource contracts, task lifecycle states and process results.
package models

import (
	"fmt"
	"maps"
)

// ResourceKind classifies what a resource is, which also decides how a task
// holds it: reusable kinds (machines, workers, tools, transports, buffers)
// are acquired and released, consumable kinds (materials, products, energy)
// are consumed permanently and replenished by producers.
type ResourceKind string

const (
	KindRawMaterial     ResourceKind = "raw_material"
	KindSemiFinished    ResourceKind = "semi_finished"
	KindFinishedProduct ResourceKind = "finished_product"
	KindMachine         ResourceKind = "machine"
	KindWorker          ResourceKind = "worker"
	KindTool            ResourceKind = "tool"
	KindTransport       ResourceKind = "transport"
	KindBuffer          ResourceKind = "buffer"
	KindEnergy          ResourceKind = "energy"
)

// Reusable reports whether holdings of this kind return to the pool when a
// task finishes, as opposed to being consumed.
func (k ResourceKind) Reusable() bool {
	switch k {
	case KindMachine, KindWorker, KindTool, KindTransport, KindBuffer:
		return true
	default:
		return false
	}
}

// Valid reports whether k is one of the declared kinds.
func (k ResourceKind) Valid() bool {
	switch k {
	case KindRawMaterial, KindSemiFinished, KindFinishedProduct, KindMachine,
		KindWorker, KindTool, KindTransport, KindBuffer, KindEnergy:
		return true
	}
	return false
}

// Resource is a named, typed quantity of something the plant owns. Quantity
// never goes negative; the only mutations allowed are Consume and Produce,
// and pools are the only callers of those during a run.
type Resource struct {
	ID          string         `json:"id"           validate:"required"`
	DisplayName string         `json:"display_name" validate:"required"`
	Kind        ResourceKind   `json:"kind"         validate:"required"`
	Quantity    float64        `json:"quantity"     validate:"gte=0"`
	Unit        string         `json:"unit"`
	Available   bool           `json:"available"`
	Properties  map[string]any `json:"properties,omitempty"`
}

func NewResource(id, displayName string, kind ResourceKind, quantity float64, unit string) *Resource {
	return &Resource{
		ID:          id,
		DisplayName: displayName,
		Kind:        kind,
		Quantity:    quantity,
		Unit:        unit,
		Available:   true,
		Properties:  map[string]any{},
	}
}

// Consume removes amount from the resource. It fails without mutating
// anything when the resource is unavailable or holds less than amount.
func (r *Resource) Consume(amount float64) error {
	if amount < 0 {
		return fmt.Errorf("resource %s: negative consume amount %v", r.ID, amount)
	}
	if !r.Available {
		return fmt.Errorf("resource %s is not available", r.ID)
	}
	if amount > r.Quantity {
		return fmt.Errorf("resource %s: cannot consume %v %s, only %v left", r.ID, amount, r.Unit, r.Quantity)
	}
	r.Quantity -= amount
	return nil
}

// Produce adds amount to the resource.
func (r *Resource) Produce(amount float64) error {
	if amount < 0 {
		return fmt.Errorf("resource %s: negative produce amount %v", r.ID, amount)
	}
	r.Quantity += amount
	return nil
}

// Clone returns a deep copy. Output declarations are cloned before being
// merged into pools so tasks never share mutable state.
func (r *Resource) Clone() *Resource {
	c := *r
	c.Properties = maps.Clone(r.Properties)
	return &c
}

// ResourceRequirement declares what a task needs before it can run. Purely
// declarative: it is satisfied by a resource of the same kind and name with
// sufficient quantity.
type ResourceRequirement struct {
	Kind      ResourceKind `json:"kind"              validate:"required"`
	Name      string       `json:"name"              validate:"required"`
	Quantity  float64      `json:"required_quantity" validate:"gt=0"`
	Mandatory bool         `json:"mandatory"`
}

// SatisfiedBy reports whether res can satisfy the requirement.
func (rr ResourceRequirement) SatisfiedBy(res *Resource) bool {
	return res.Kind == rr.Kind && res.DisplayName == rr.Name && res.Available && res.Quantity >= rr.Quantity
}

func (rr ResourceRequirement) String() string {
	return fmt.Sprintf("%s/%s x%v", rr.Kind, rr.Name, rr.Quantity)
}
