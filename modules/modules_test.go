package modules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store/memory"
)

func TestResourceIDsScopesToModule(t *testing.T) {
	st := memory.New()
	svc := New(st)
	ctx := context.Background()

	require.NoError(t, svc.Publish(ctx, "module-m", "1.0.0", ResourceWorkflowDefinition, "wf-1"))
	require.NoError(t, svc.Publish(ctx, "module-m", "1.0.0", ResourceWorkflowDefinition, "wf-2"))
	require.NoError(t, svc.Publish(ctx, "module-n", "1.0.0", ResourceWorkflowDefinition, "wf-3"))

	ids, err := svc.ResourceIDs(ctx, "module-m", ResourceWorkflowDefinition)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"wf-1": true, "wf-2": true}, ids)
}

func TestResourceIDsUnknownModuleIsNotFound(t *testing.T) {
	st := memory.New()
	svc := New(st)

	_, err := svc.ResourceIDs(context.Background(), "ghost", ResourceWorkflowDefinition)
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
	assert.ErrorIs(t, err, core.ErrModuleNotFound)
}

func TestKnownModuleWithNoResourcesOfTypeReturnsEmptySet(t *testing.T) {
	st := memory.New()
	svc := New(st)
	ctx := context.Background()

	require.NoError(t, svc.Publish(ctx, "module-m", "1.0.0", ResourceService, "svc-1"))

	ids, err := svc.ResourceIDs(ctx, "module-m", ResourceWorkflowDefinition)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPublishValidation(t *testing.T) {
	svc := New(memory.New())
	ctx := context.Background()

	err := svc.Publish(ctx, "", "1.0.0", ResourceService, "svc-1")
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	err = svc.Publish(ctx, "module-m", "1.0.0", "dashboard", "d-1")
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestUnpublishRemovesBinding(t *testing.T) {
	svc := New(memory.New())
	ctx := context.Background()

	require.NoError(t, svc.Publish(ctx, "module-m", "1.0.0", ResourceJobDefinition, "job-1"))
	require.NoError(t, svc.Unpublish(ctx, "module-m", ResourceJobDefinition, "job-1"))

	owners, err := svc.ModulesForResource(ctx, ResourceJobDefinition, "job-1")
	require.NoError(t, err)
	assert.Empty(t, owners)
}
