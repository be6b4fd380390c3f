package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/KevinKickass/MachineConnect/internal/channel"
	"github.com/KevinKickass/MachineConnect/internal/config"
	"github.com/KevinKickass/MachineConnect/internal/edge"
	"github.com/KevinKickass/MachineConnect/internal/sources"
	"github.com/KevinKickass/MachineConnect/internal/storage"
	"github.com/KevinKickass/MachineConnect/internal/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testDevice    = "gg-core-1"
	testThingArn  = "arn:aws:iot:eu-central-1:123456789012:thing/gg-core-1"
	testGatewayID = "gw-1"
	testStream    = "m2c2_stream"
)

// fakeStore is an in-memory connection store and device registry.
type fakeStore struct {
	mu          sync.Mutex
	connections map[string]storage.Connection
	devices     map[string]*types.Device

	deviceErr error
	addErr    error
	deleteErr error
	updateErr func(patch storage.ConnectionPatch) error

	controls []types.Control
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		connections: make(map[string]storage.Connection),
		devices: map[string]*types.Device{
			testDevice: {DeviceName: testDevice, EdgeThingArn: testThingArn, GatewayID: testGatewayID},
		},
	}
}

// roundTrip copies a definition the way a JSONB column would.
func roundTrip(def types.ConnectionDefinition) types.ConnectionDefinition {
	data, err := json.Marshal(def)
	if err != nil {
		panic(err)
	}
	var out types.ConnectionDefinition
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

func (s *fakeStore) AddConnection(ctx context.Context, def types.ConnectionDefinition, control types.Control) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.addErr != nil {
		return s.addErr
	}
	if _, ok := s.connections[def.ConnectionName]; ok {
		return fmt.Errorf("duplicate key value violates unique constraint")
	}
	s.connections[def.ConnectionName] = storage.Connection{
		ConnectionName: def.ConnectionName,
		Protocol:       def.Protocol,
		Control:        control,
		Definition:     roundTrip(def),
	}
	s.controls = append(s.controls, control)
	return nil
}

func (s *fakeStore) GetConnection(ctx context.Context, name string) (*storage.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.connections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrConnectionNotFound, name)
	}
	conn.Definition = roundTrip(conn.Definition)
	return &conn, nil
}

func (s *fakeStore) GetConnectionsByServerName(ctx context.Context, protocol types.Protocol, serverName string) ([]storage.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.Connection
	for _, conn := range s.connections {
		if conn.Protocol == protocol && conn.Definition.ServerName() == serverName {
			out = append(out, conn)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateConnection(ctx context.Context, name string, patch storage.ConnectionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updateErr != nil {
		if err := s.updateErr(patch); err != nil {
			return err
		}
	}

	conn, ok := s.connections[name]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrConnectionNotFound, name)
	}
	if patch.Definition != nil {
		conn.Definition = roundTrip(*patch.Definition)
	}
	if patch.Control != nil {
		conn.Control = *patch.Control
		s.controls = append(s.controls, *patch.Control)
	}
	s.connections[name] = conn
	return nil
}

func (s *fakeStore) DeleteConnection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.connections[name]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrConnectionNotFound, name)
	}
	delete(s.connections, name)
	return nil
}

func (s *fakeStore) GetDevice(ctx context.Context, name string) (*types.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceErr != nil {
		return nil, s.deviceErr
	}
	device, ok := s.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrDeviceNotFound, name)
	}
	cp := *device
	return &cp, nil
}

func (s *fakeStore) UpdateConnectionCount(ctx context.Context, name string, increment bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[name]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrDeviceNotFound, name)
	}
	if increment {
		device.ConnectionCount++
	} else if device.ConnectionCount > 0 {
		device.ConnectionCount--
	}
	return nil
}

func (s *fakeStore) connection(name string) (storage.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[name]
	return conn, ok
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[testDevice].ConnectionCount
}

// fakeComponents records component and deployment calls.
type fakeComponents struct {
	mu sync.Mutex

	existing   map[string]bool
	createCall []string
	deleted    []string
	submitted  []edge.DeploymentRequest

	createErr map[string]error
	deleteErr map[string]error
	submitErr error
	statusErr error

	// statuses are returned in order; the last one repeats.
	statuses []edge.DeploymentStatus
	polls    int
}

func newFakeComponents() *fakeComponents {
	return &fakeComponents{
		existing:  make(map[string]bool),
		createErr: make(map[string]error),
		deleteErr: make(map[string]error),
		statuses:  []edge.DeploymentStatus{edge.DeploymentActive, edge.DeploymentCompleted},
	}
}

func (f *fakeComponents) CreateComponent(ctx context.Context, spec edge.ComponentSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCall = append(f.createCall, spec.Name)
	if err := f.createErr[spec.Name]; err != nil {
		return "", err
	}
	f.existing[spec.Name] = true
	return "arn:components:" + spec.Name, nil
}

func (f *fakeComponents) DeleteComponent(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, name)
	if err := f.deleteErr[name]; err != nil {
		return err
	}
	delete(f.existing, name)
	return nil
}

func (f *fakeComponents) SubmitDeployment(ctx context.Context, req edge.DeploymentRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return fmt.Sprintf("deployment-%d", len(f.submitted)), nil
}

func (f *fakeComponents) GetDeploymentStatus(ctx context.Context, deploymentID string) (edge.DeploymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.statusErr != nil {
		return "", f.statusErr
	}
	i := f.polls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.polls++
	return f.statuses[i], nil
}

func (f *fakeComponents) existingNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var names []string
	for name := range f.existing {
		names = append(names, name)
	}
	return names
}

// fakeSources is an in-memory OPC UA source registry that logs every write.
type fakeSources struct {
	mu      sync.Mutex
	sources map[string]map[string]sources.Source
	ops     []string

	addErr    error
	removeErr error
}

func newFakeSources() *fakeSources {
	return &fakeSources{sources: make(map[string]map[string]sources.Source)}
}

func (f *fakeSources) GetByName(ctx context.Context, gatewayID, name string) (sources.Source, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	src, ok := f.sources[gatewayID][name]
	return src, ok, nil
}

func (f *fakeSources) Add(ctx context.Context, gatewayID string, def types.ConnectionDefinition) (sources.Source, error) {
	src, err := sources.BuildSource(def, testStream)
	if err != nil {
		return sources.Source{}, err
	}
	if err := f.AddExisting(ctx, gatewayID, src); err != nil {
		return sources.Source{}, err
	}
	return src, nil
}

func (f *fakeSources) AddExisting(ctx context.Context, gatewayID string, src sources.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.addErr != nil {
		return f.addErr
	}
	if f.sources[gatewayID] == nil {
		f.sources[gatewayID] = make(map[string]sources.Source)
	}
	f.sources[gatewayID][src.Name] = src
	f.ops = append(f.ops, "add:"+src.Name)
	return nil
}

func (f *fakeSources) Remove(ctx context.Context, gatewayID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.sources[gatewayID][name]; !ok {
		return nil
	}
	delete(f.sources[gatewayID], name)
	f.ops = append(f.ops, "remove:"+name)
	return nil
}

func (f *fakeSources) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var names []string
	for name := range f.sources[testGatewayID] {
		names = append(names, name)
	}
	return names
}

type published struct {
	connection string
	kind       channel.Kind
	payload    any
}

type fakeCommands struct {
	mu       sync.Mutex
	messages []published
}

func (f *fakeCommands) Publish(connectionName string, kind channel.Kind, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{connection: connectionName, kind: kind, payload: payload})
}

// labels renders messages as "job:start", "job:stop" and "error".
func (f *fakeCommands) labels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, m := range f.messages {
		switch p := m.payload.(type) {
		case types.ConnectionDefinition:
			out = append(out, "job:"+string(p.Control))
		case channel.StopJob:
			out = append(out, "job:"+string(p.Control))
		case channel.ErrorReport:
			out = append(out, "error")
		default:
			out = append(out, fmt.Sprintf("unknown:%T", p))
		}
	}
	return out
}

type fakeUsage struct {
	mu      sync.Mutex
	reports []map[string]any
}

func (f *fakeUsage) Report(ctx context.Context, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, data)
}

type testEnv struct {
	store      *fakeStore
	components *fakeComponents
	sources    *fakeSources
	commands   *fakeCommands
	usage      *fakeUsage
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *testEnv) {
	t.Helper()

	env := &testEnv{
		store:      newFakeStore(),
		components: newFakeComponents(),
		sources:    newFakeSources(),
		commands:   &fakeCommands{},
		usage:      &fakeUsage{},
	}

	o := New(Dependencies{
		Connections: env.store,
		Devices:     env.store,
		Components:  env.components,
		Sources:     env.sources,
		Commands:    env.commands,
		Usage:       env.usage,
	}, config.OrchestratorConfig{
		StreamName:       testStream,
		ComponentVersion: "1.0.0",
	}, zap.NewNop())

	return o, env
}

func daDefinition(name string) types.ConnectionDefinition {
	return types.ConnectionDefinition{
		ConnectionName:           name,
		Control:                  types.ControlDeploy,
		Protocol:                 types.ProtocolOPCDA,
		SiteName:                 "site",
		Area:                     "area",
		Process:                  "process",
		MachineName:              "machine",
		SendDataToIoTSiteWise:    true,
		GreengrassCoreDeviceName: testDevice,
		OpcDa: &types.OpcDaConfig{
			MachineIP:  "10.0.0.5",
			ServerName: "Matrikon.OPC.Simulation.1",
			Interval:   5,
			Iterations: 10,
			Tags:       []string{"T1"},
		},
	}
}

func intPtr(v int) *int { return &v }

func uaDefinition(name, serverName, ip string) types.ConnectionDefinition {
	return types.ConnectionDefinition{
		ConnectionName:           name,
		Control:                  types.ControlDeploy,
		Protocol:                 types.ProtocolOPCUA,
		GreengrassCoreDeviceName: testDevice,
		SendDataToIoTTopic:       true,
		OpcUa: &types.OpcUaConfig{
			MachineIP:  ip,
			ServerName: serverName,
			Port:       intPtr(4840),
		},
	}
}

// seed stores a deployed connection directly, bypassing the workflows.
func (e *testEnv) seed(t *testing.T, def types.ConnectionDefinition, control types.Control) {
	t.Helper()

	def.Control = control
	require.NoError(t, e.store.AddConnection(context.Background(), def, control))
	require.NoError(t, e.store.UpdateConnectionCount(context.Background(), testDevice, true))

	e.components.existing[edge.PublisherName(def.ConnectionName)] = true
	if def.Protocol == types.ProtocolOPCDA {
		e.components.existing[edge.CollectorName(def.ConnectionName)] = true
	}

	if def.Protocol == types.ProtocolOPCUA && control == types.ControlStart {
		_, err := e.sources.Add(context.Background(), testGatewayID, def)
		require.NoError(t, err)
	}

	// Seeding is setup, not behaviour under test.
	e.sources.ops = nil
	e.store.controls = nil
}
