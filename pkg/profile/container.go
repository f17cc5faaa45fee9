package profile

import (
	"context"

	"github.com/cuemby/corral/pkg/environment"
	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/types"
)

// ContainerTypeName is the versioned registry name of the container
// profile type.
const ContainerTypeName = "corral.profile.container@1.0"

// containerSpec is the schema of the container profile.
type containerSpec struct {
	Image   string            `json:"image"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	CPU     float64           `json:"cpu,omitempty"`
	Memory  int64             `json:"memory,omitempty"`
}

// ContainerProfile materializes nodes as containers through a Driver.
type ContainerProfile struct {
	name   string
	spec   containerSpec
	driver Driver
}

// NewContainerProfile is the Constructor for the container profile
// type, bound to the given driver.
func NewContainerProfile(driver Driver) Constructor {
	return func(name string, spec map[string]interface{}) (Profile, error) {
		p := &ContainerProfile{name: name, driver: driver}
		if err := decodeSpec(spec, &p.spec); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// RegisterContainer registers the container profile type in env.
func RegisterContainer(env *environment.Environment, driver Driver) error {
	return env.Profiles.Register(ContainerTypeName, NewContainerProfile(driver))
}

func (p *ContainerProfile) TypeName() string {
	return ContainerTypeName
}

func (p *ContainerProfile) Validate() error {
	if p.spec.Image == "" {
		return errors.InvalidSpec("container profile requires an image")
	}
	if p.spec.CPU < 0 {
		return errors.InvalidSpec("cpu must not be negative, got %v", p.spec.CPU)
	}
	if p.spec.Memory < 0 {
		return errors.InvalidSpec("memory must not be negative, got %v", p.spec.Memory)
	}
	return nil
}

func (p *ContainerProfile) CreateObject(ctx context.Context, node *types.Node) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p.driver.Create(ctx, p.request(node.Name))
}

func (p *ContainerProfile) DeleteObject(ctx context.Context, node *types.Node) error {
	if node.PhysicalID == "" {
		return nil
	}
	return p.driver.Delete(ctx, node.PhysicalID)
}

func (p *ContainerProfile) UpdateObject(ctx context.Context, node *types.Node, newSpec map[string]interface{}) error {
	if node.PhysicalID == "" {
		return errors.BadRequest("node %s has no physical resource to update", node.ID)
	}
	var spec containerSpec
	if err := decodeSpec(newSpec, &spec); err != nil {
		return err
	}
	updated := *p
	updated.spec = spec
	if err := updated.Validate(); err != nil {
		return err
	}
	return p.driver.Update(ctx, node.PhysicalID, updated.request(node.Name))
}

func (p *ContainerProfile) request(name string) CreateRequest {
	return CreateRequest{
		Name:    name,
		Image:   p.spec.Image,
		Command: p.spec.Command,
		Env:     p.spec.Env,
		CPU:     p.spec.CPU,
		Memory:  p.spec.Memory,
	}
}
