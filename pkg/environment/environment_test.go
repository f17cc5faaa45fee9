package environment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/corral/pkg/errors"
)

func TestRegisterAndGet(t *testing.T) {
	reg := NewRegistry("profile")
	ctor := func() string { return "p" }

	require.NoError(t, reg.Register("corral.profile.container@1.0", ctor))
	assert.True(t, reg.IsRegistered("corral.profile.container@1.0"))

	got, err := reg.Get("corral.profile.container@1.0")
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = reg.Get("corral.profile.vm@1.0")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestRegisterIdempotent(t *testing.T) {
	reg := NewRegistry("policy")
	ctor := func() string { return "p" }

	require.NoError(t, reg.Register("corral.policy.loadbalancing@1.0", ctor))
	// Same constructor again is a no-op.
	require.NoError(t, reg.Register("corral.policy.loadbalancing@1.0", ctor))

	// A different constructor under the same name is a conflict.
	other := func() string { return "q" }
	err := reg.Register("corral.policy.loadbalancing@1.0", other)
	assert.True(t, errors.IsKind(err, errors.KindBadRequest))
}

func TestNamesSorted(t *testing.T) {
	reg := NewRegistry("trigger")
	ctor := func() {}
	require.NoError(t, reg.Register("b@1.0", ctor))
	require.NoError(t, reg.Register("a@1.0", ctor))

	assert.Equal(t, []string{"a@1.0", "b@1.0"}, reg.Names())
}

func TestEnvironmentBundles(t *testing.T) {
	env := New()
	require.NotNil(t, env.Profiles)
	require.NotNil(t, env.Policies)
	require.NotNil(t, env.Triggers)
	assert.Empty(t, env.Profiles.Names())
}
