package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/KevinKickass/MachineConnect/internal/channel"
	"github.com/KevinKickass/MachineConnect/internal/edge"
	"github.com/KevinKickass/MachineConnect/internal/storage"
	"github.com/KevinKickass/MachineConnect/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deleteOf(name string) types.ConnectionDefinition {
	return types.ConnectionDefinition{ConnectionName: name, Control: types.ControlDelete}
}

func TestDelete_OpcDa(t *testing.T) {
	o, env := newTestOrchestrator(t)
	env.seed(t, daDefinition("c1"), types.ControlStart)

	require.NoError(t, o.Handle(context.Background(), deleteOf("c1")))

	names := []string{edge.CollectorName("c1"), edge.PublisherName("c1")}
	assert.Equal(t, names, env.components.deleted)
	require.Len(t, env.components.submitted, 1)
	assert.Equal(t, names, env.components.submitted[0].ToRemove)
	assert.Equal(t, testThingArn, env.components.submitted[0].TargetArn)

	_, ok := env.store.connection("c1")
	assert.False(t, ok)
	assert.Zero(t, env.store.count())

	assert.Equal(t, []string{"job:stop"}, env.commands.labels())
	stop := env.commands.messages[0].payload.(channel.StopJob)
	assert.Equal(t, "c1", stop.ConnectionName)

	require.Len(t, env.usage.reports, 1)
	assert.Equal(t, "DELETE", env.usage.reports[0]["event"])
	assert.Equal(t, "OPCDA", env.usage.reports[0]["protocol"])
}

func TestDelete_DeploymentFailureKeepsRecord(t *testing.T) {
	o, env := newTestOrchestrator(t)
	env.seed(t, daDefinition("c1"), types.ControlStart)
	env.components.statuses = []edge.DeploymentStatus{edge.DeploymentFailed}

	err := o.Handle(context.Background(), deleteOf("c1"))
	require.Error(t, err)
	assert.Equal(t, "The greengrass deployment has been canceled or failed.", err.Error())

	conn, ok := env.store.connection("c1")
	require.True(t, ok, "the record is only deleted after a completed deployment")
	assert.Equal(t, types.ControlStart, conn.Control)
	assert.Equal(t, []types.Control{types.ControlDelete, types.ControlStart}, env.store.controls)
	assert.Equal(t, 1, env.store.count())

	assert.Equal(t, []string{"error", "job:stop"}, env.commands.labels())
	assert.Empty(t, env.usage.reports)
}

func TestDelete_AbsentComponentsAreNotAnError(t *testing.T) {
	o, env := newTestOrchestrator(t)
	env.seed(t, daDefinition("c1"), types.ControlStop)
	env.components.existing = map[string]bool{}

	require.NoError(t, o.Handle(context.Background(), deleteOf("c1")))
	_, ok := env.store.connection("c1")
	assert.False(t, ok)
}

func TestDelete_ComponentDeletionFailure(t *testing.T) {
	o, env := newTestOrchestrator(t)
	env.seed(t, daDefinition("c1"), types.ControlStart)
	deleteErr := errors.New("access denied")
	env.components.deleteErr[edge.CollectorName("c1")] = deleteErr

	err := o.Handle(context.Background(), deleteOf("c1"))
	require.Error(t, err)
	assert.Equal(t, msgDeleteFailed, err.Error())
	assert.ErrorIs(t, err, deleteErr)

	// Every name is still attempted.
	assert.Equal(t, []string{edge.CollectorName("c1"), edge.PublisherName("c1")}, env.components.deleted)
	assert.Empty(t, env.components.submitted)

	conn, ok := env.store.connection("c1")
	require.True(t, ok)
	assert.Equal(t, types.ControlStart, conn.Control)
}

func TestDelete_MissingConnection(t *testing.T) {
	o, env := newTestOrchestrator(t)

	err := o.Handle(context.Background(), deleteOf("ghost"))
	require.Error(t, err)
	assert.Equal(t, msgDeleteFailed, err.Error())
	assert.ErrorIs(t, err, storage.ErrConnectionNotFound)

	assert.Equal(t, []string{"error"}, env.commands.labels())
	assert.Equal(t, "ghost", env.commands.messages[0].connection)
	assert.Empty(t, env.components.deleted)
}

func TestDelete_OpcUaRunningUnregistersSource(t *testing.T) {
	o, env := newTestOrchestrator(t)
	env.seed(t, uaDefinition("c1", "server-a", "10.0.0.1"), types.ControlStart)

	require.NoError(t, o.Handle(context.Background(), deleteOf("c1")))

	assert.Equal(t, []string{"remove:server-a"}, env.sources.ops)
	assert.Equal(t, []string{edge.PublisherName("c1")}, env.components.deleted)
	assert.Equal(t, []string{edge.PublisherName("c1")}, env.components.submitted[0].ToRemove)
	assert.Empty(t, env.commands.messages)
}

func TestDelete_OpcUaStoppedLeavesRegistryAlone(t *testing.T) {
	o, env := newTestOrchestrator(t)
	env.seed(t, uaDefinition("c1", "server-a", "10.0.0.1"), types.ControlStop)

	require.NoError(t, o.Handle(context.Background(), deleteOf("c1")))
	assert.Empty(t, env.sources.ops)
}

func TestDelete_OpcUaFailureRestoresSource(t *testing.T) {
	o, env := newTestOrchestrator(t)
	env.seed(t, uaDefinition("c1", "server-a", "10.0.0.1"), types.ControlStart)
	env.components.statuses = []edge.DeploymentStatus{edge.DeploymentCanceled}

	require.Error(t, o.Handle(context.Background(), deleteOf("c1")))

	assert.Equal(t, []string{"remove:server-a", "add:server-a"}, env.sources.ops)
	assert.Equal(t, []string{"error"}, env.commands.labels())
}

func TestDelete_CountNeverGoesNegative(t *testing.T) {
	o, env := newTestOrchestrator(t)
	env.seed(t, daDefinition("c1"), types.ControlStart)
	env.store.devices[testDevice].ConnectionCount = 0

	require.NoError(t, o.Handle(context.Background(), deleteOf("c1")))
	assert.Zero(t, env.store.count())
}
