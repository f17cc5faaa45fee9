package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/corral/pkg/environment"
	"github.com/cuemby/corral/pkg/errors"
	"github.com/cuemby/corral/pkg/types"
)

func TestContainerValidate(t *testing.T) {
	driver := NewFakeDriver()
	ctor := NewContainerProfile(driver)

	tests := []struct {
		name    string
		spec    map[string]interface{}
		wantErr bool
	}{
		{
			name: "valid",
			spec: map[string]interface{}{"image": "nginx:1.27"},
		},
		{
			name:    "missing image",
			spec:    map[string]interface{}{"cpu": 1.0},
			wantErr: true,
		},
		{
			name:    "negative cpu",
			spec:    map[string]interface{}{"image": "nginx", "cpu": -1.0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ctor("test", tt.spec)
			require.NoError(t, err)
			err = p.Validate()
			if tt.wantErr {
				assert.True(t, errors.IsKind(err, errors.KindInvalidSpec))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestContainerLifecycle(t *testing.T) {
	driver := NewFakeDriver()
	env := environment.New()
	require.NoError(t, RegisterContainer(env, driver))

	row := &types.Profile{
		ID:      "prof-1",
		Name:    "web",
		Type:    "corral.profile.container",
		Version: "1.0",
		Spec:    map[string]interface{}{"image": "nginx:1.27", "cpu": 0.5},
	}
	p, err := New(env, row)
	require.NoError(t, err)

	node := &types.Node{ID: "node-1", Name: "web-1"}
	physicalID, err := p.CreateObject(context.Background(), node)
	require.NoError(t, err)
	assert.True(t, driver.Has(physicalID))

	node.PhysicalID = physicalID
	err = p.UpdateObject(context.Background(), node,
		map[string]interface{}{"image": "nginx:1.28"})
	require.NoError(t, err)

	require.NoError(t, p.DeleteObject(context.Background(), node))
	assert.False(t, driver.Has(physicalID))

	// Deleting an unprovisioned node is a no-op.
	require.NoError(t, p.DeleteObject(context.Background(), &types.Node{ID: "node-2"}))
}

func TestValidateHelper(t *testing.T) {
	env := environment.New()
	require.NoError(t, RegisterContainer(env, NewFakeDriver()))

	err := Validate(env, ContainerTypeName, map[string]interface{}{"image": "redis:7"})
	assert.NoError(t, err)

	err = Validate(env, ContainerTypeName, map[string]interface{}{})
	assert.True(t, errors.IsKind(err, errors.KindInvalidSpec))

	err = Validate(env, "corral.profile.vm@1.0", map[string]interface{}{})
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}
