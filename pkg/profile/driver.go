package profile

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/corral/pkg/errors"
)

// CreateRequest is the backend-facing description of one container.
type CreateRequest struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	CPU     float64
	Memory  int64 // bytes
}

// Driver provisions and tears down the physical resources behind
// container profile nodes.
type Driver interface {
	Create(ctx context.Context, req CreateRequest) (string, error)
	Delete(ctx context.Context, physicalID string) error
	Update(ctx context.Context, physicalID string, req CreateRequest) error
}

// FakeDriver is an in-memory Driver for tests and development. It can
// be primed to fail specific operations.
type FakeDriver struct {
	mu      sync.Mutex
	objects map[string]CreateRequest

	FailCreate bool
	FailDelete bool

	// FlakyCreates / FlakyDeletes fail the next n calls, then recover.
	FlakyCreates int
	FlakyDeletes int
}

// NewFakeDriver creates an empty fake driver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{objects: make(map[string]CreateRequest)}
}

func (d *FakeDriver) Create(ctx context.Context, req CreateRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailCreate {
		return "", errors.New(errors.KindInternal, "driver refused to create %q", req.Name)
	}
	if d.FlakyCreates > 0 {
		d.FlakyCreates--
		return "", errors.New(errors.KindInternal, "transient failure creating %q", req.Name)
	}
	id := uuid.New().String()
	d.objects[id] = req
	return id, nil
}

func (d *FakeDriver) Delete(ctx context.Context, physicalID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailDelete {
		return errors.New(errors.KindInternal, "driver refused to delete %q", physicalID)
	}
	if d.FlakyDeletes > 0 {
		d.FlakyDeletes--
		return errors.New(errors.KindInternal, "transient failure deleting %q", physicalID)
	}
	delete(d.objects, physicalID)
	return nil
}

func (d *FakeDriver) Update(ctx context.Context, physicalID string, req CreateRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.objects[physicalID]; !ok {
		return errors.NotFound("container", physicalID)
	}
	d.objects[physicalID] = req
	return nil
}

// Count returns the number of live objects; test helper.
func (d *FakeDriver) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.objects)
}

// Has reports whether a physical ID exists; test helper.
func (d *FakeDriver) Has(physicalID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.objects[physicalID]
	return ok
}
