package launcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/codebuild-agents/internal/buildsvc"
	"github.com/terrpan/codebuild-agents/internal/config"
)

// ---------------------------------------------------------------------------
// Mock build service
// ---------------------------------------------------------------------------

type statusReply struct {
	status buildsvc.Status
	ok     bool
	err    error
}

type mockService struct {
	mu sync.Mutex

	startErr error
	started  []buildsvc.StartSpec

	stopErr error
	stopped []string

	statusReplies []statusReply
	statusCalls   int
}

func (m *mockService) StartBuild(_ context.Context, spec buildsvc.StartSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return "", m.startErr
	}
	m.started = append(m.started, spec)
	return fmt.Sprintf("build-%d", len(m.started)), nil
}

func (m *mockService) StopBuild(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = append(m.stopped, id)
	return m.stopErr
}

func (m *mockService) BuildStatus(_ context.Context, _ string, _ []buildsvc.Status) (buildsvc.Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statusCalls++
	if len(m.statusReplies) > 0 {
		reply := m.statusReplies[0]
		m.statusReplies = m.statusReplies[1:]
		return reply.status, reply.ok, reply.err
	}
	return buildsvc.StatusInProgress, false, nil
}

func (m *mockService) stoppedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.stopped))
	copy(out, m.stopped)
	return out
}

// ---------------------------------------------------------------------------
// Fake agent + node
// ---------------------------------------------------------------------------

type fakeNode struct {
	name      string
	ephemeral bool
}

func (n *fakeNode) DisplayName() string { return n.name }
func (n *fakeNode) Ephemeral() bool     { return n.ephemeral }

// fakeAgent implements CodeBuildAgent.  onlineAfter makes the agent
// appear connected from the Nth Online() poll on; -1 means never.
type fakeAgent struct {
	name   string
	secret string
	node   Node

	mu          sync.Mutex
	onlineAfter int
	polls       int
	buildID     string
}

func (a *fakeAgent) Name() string   { return a.name }
func (a *fakeAgent) Secret() string { return a.secret }

func (a *fakeAgent) Node() Node { return a.node }

func (a *fakeAgent) Online() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polls++
	return a.onlineAfter >= 0 && a.polls > a.onlineAfter
}

func (a *fakeAgent) AcceptingWork() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onlineAfter >= 0 && a.polls > a.onlineAfter
}

func (a *fakeAgent) BuildID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buildID
}

func (a *fakeAgent) SetBuildID(id string) {
	a.mu.Lock()
	a.buildID = id
	a.mu.Unlock()
}

func (a *fakeAgent) pollCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polls
}

// foreignAgent implements only Agent, not CodeBuildAgent.
type foreignAgent struct{}

func (foreignAgent) Name() string        { return "foreign" }
func (foreignAgent) Online() bool        { return false }
func (foreignAgent) AcceptingWork() bool { return false }

// ---------------------------------------------------------------------------
// Mock node remover + recording sink
// ---------------------------------------------------------------------------

type mockNodes struct {
	mu      sync.Mutex
	removed []string
	err     error
}

func (m *mockNodes) RemoveNode(_ context.Context, node Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, node.DisplayName())
	return m.err
}

func (m *mockNodes) removedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.removed))
	copy(out, m.removed)
	return out
}

type recordSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordSink) Fatalf(format string, args ...any) {
	s.mu.Lock()
	s.msgs = append(s.msgs, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

func (s *recordSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type LauncherSuite struct {
	suite.Suite
	ctx     context.Context
	service *mockService
	nodes   *mockNodes
	sink    *recordSink
}

func (s *LauncherSuite) SetupTest() {
	s.ctx = context.Background()
	s.service = &mockService{}
	s.nodes = &mockNodes{}
	s.sink = &recordSink{}
}

// newLauncher builds a Launcher with millisecond intervals so the wait
// loop runs its full iteration budget in a few wall-clock milliseconds.
func (s *LauncherSuite) newLauncher(timeout time.Duration) *Launcher {
	l := New(Config{
		Build: config.BuildConfig{
			Project:         "agents",
			Image:           "jenkins/inbound-agent:latest",
			EnvironmentType: "LINUX_CONTAINER",
			ComputeType:     "BUILD_GENERAL1_SMALL",
			BuildSpec:       "version: 0.2",
		},
		Connection: config.ConnectionConfig{
			URL: "https://controller.example.com",
		},
		AgentTimeout: timeout,
		Service:      s.service,
		Nodes:        s.nodes,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	l.pollInterval = time.Millisecond
	l.statusCheckInterval = time.Second
	return l
}

func (s *LauncherSuite) newAgent(onlineAfter int) *fakeAgent {
	return &fakeAgent{
		name:        "agent-1234",
		secret:      "s3cret",
		node:        &fakeNode{name: "agent-1234", ephemeral: true},
		onlineAfter: onlineAfter,
	}
}

func TestLauncherSuite(t *testing.T) {
	suite.Run(t, new(LauncherSuite))
}

// ---------------------------------------------------------------------------
// Success path
// ---------------------------------------------------------------------------

func (s *LauncherSuite) TestLaunch_AgentConnects() {
	l := s.newLauncher(100 * time.Millisecond)
	a := s.newAgent(2) // connected from the third poll on

	l.Launch(s.ctx, a, s.sink)

	assert.False(s.T(), l.IsLaunchSupported())
	assert.Equal(s.T(), "build-1", a.BuildID(), "build id stays recorded on success")
	assert.Empty(s.T(), s.service.stoppedIDs())
	assert.Empty(s.T(), s.nodes.removedNames())
	assert.Empty(s.T(), s.sink.messages())
}

func (s *LauncherSuite) TestLaunch_StartSpecCarriesBootstrapEnv() {
	l := s.newLauncher(100 * time.Millisecond)
	a := s.newAgent(0)

	l.Launch(s.ctx, a, s.sink)

	require.Len(s.T(), s.service.started, 1)
	spec := s.service.started[0]
	assert.Equal(s.T(), "agents", spec.Project)
	assert.Equal(s.T(), "jenkins/inbound-agent:latest", spec.Image)
	assert.Equal(s.T(), "LINUX_CONTAINER", spec.EnvironmentType)
	assert.Equal(s.T(), "BUILD_GENERAL1_SMALL", spec.ComputeType)
	assert.Equal(s.T(), "version: 0.2", spec.BuildSpec)

	env := make(map[string]string)
	for _, p := range spec.Env {
		env[p.Name] = p.Value
	}
	assert.Equal(s.T(), "s3cret", env["JENKINS_SECRET"])
	assert.Equal(s.T(), "agent-1234", env["JENKINS_AGENT_NAME"])
	assert.Equal(s.T(), "https://controller.example.com", env["JENKINS_URL"])
}

func (s *LauncherSuite) TestLaunch_ResetsLaunchedFlag() {
	l := s.newLauncher(100 * time.Millisecond)

	l.Launch(s.ctx, s.newAgent(0), s.sink)
	require.False(s.T(), l.IsLaunchSupported())

	// A relaunch that fails must clear the flag again.
	s.service.startErr = fmt.Errorf("boom")
	l.Launch(s.ctx, s.newAgent(0), s.sink)
	assert.True(s.T(), l.IsLaunchSupported())
}

// ---------------------------------------------------------------------------
// Timeout path
// ---------------------------------------------------------------------------

func (s *LauncherSuite) TestLaunch_TimeoutStopsBuildAndDeprovisions() {
	l := s.newLauncher(10 * time.Millisecond) // 10 iterations
	a := s.newAgent(-1)                       // never connects

	l.Launch(s.ctx, a, s.sink)

	assert.True(s.T(), l.IsLaunchSupported())
	assert.Equal(s.T(), []string{"build-1"}, s.service.stoppedIDs(), "stop called exactly once with the build id")
	assert.Empty(s.T(), a.BuildID(), "build id cleared on failure")
	assert.Equal(s.T(), []string{"agent-1234"}, s.nodes.removedNames())

	msgs := s.sink.messages()
	require.Len(s.T(), msgs, 1)
	assert.Contains(s.T(), msgs[0], "timed out waiting for agent agent-1234")
	assert.Contains(s.T(), msgs[0], "build-1")
}

func (s *LauncherSuite) TestLaunch_StopFailureIsNotEscalated() {
	l := s.newLauncher(5 * time.Millisecond)
	s.service.stopErr = fmt.Errorf("stop failed")
	a := s.newAgent(-1)

	l.Launch(s.ctx, a, s.sink)

	// The stop failure is logged only; the rest of the cleanup still runs.
	assert.Empty(s.T(), a.BuildID())
	assert.Equal(s.T(), []string{"agent-1234"}, s.nodes.removedNames())
}

// ---------------------------------------------------------------------------
// Start failure path
// ---------------------------------------------------------------------------

func (s *LauncherSuite) TestLaunch_StartErrorMakesNoStopCall() {
	l := s.newLauncher(100 * time.Millisecond)
	s.service.startErr = fmt.Errorf("project not found")
	a := s.newAgent(0)

	l.Launch(s.ctx, a, s.sink)

	assert.Empty(s.T(), s.service.stoppedIDs(), "no build id was obtained, so no stop")
	assert.Empty(s.T(), a.BuildID())
	assert.Equal(s.T(), []string{"agent-1234"}, s.nodes.removedNames())

	msgs := s.sink.messages()
	require.Len(s.T(), msgs, 1)
	assert.Contains(s.T(), msgs[0], "project not found")
}

func (s *LauncherSuite) TestLaunch_NonEphemeralNodeIsKept() {
	l := s.newLauncher(100 * time.Millisecond)
	s.service.startErr = fmt.Errorf("boom")
	a := s.newAgent(0)
	a.node = &fakeNode{name: "agent-1234", ephemeral: false}

	l.Launch(s.ctx, a, s.sink)

	assert.Empty(s.T(), s.nodes.removedNames())
}

// ---------------------------------------------------------------------------
// Terminal-status short-circuit
// ---------------------------------------------------------------------------

func (s *LauncherSuite) TestLaunch_TerminalStatusAbortsEarly() {
	l := s.newLauncher(200 * time.Millisecond) // 200 iteration budget
	l.statusCheckInterval = 0                  // check from the first iteration
	s.service.statusReplies = []statusReply{
		{status: buildsvc.StatusFailed, ok: true},
	}
	a := s.newAgent(-1)

	l.Launch(s.ctx, a, s.sink)

	assert.Equal(s.T(), 1, s.service.statusCalls)
	assert.Less(s.T(), a.pollCount(), 10, "wait aborted well before the iteration budget")
	assert.Equal(s.T(), []string{"build-1"}, s.service.stoppedIDs())
	assert.Empty(s.T(), a.BuildID())

	msgs := s.sink.messages()
	require.Len(s.T(), msgs, 1)
	assert.Contains(s.T(), msgs[0], "terminal status FAILED")
}

func (s *LauncherSuite) TestLaunch_InProgressStatusKeepsWaiting() {
	l := s.newLauncher(10 * time.Millisecond)
	l.statusCheckInterval = 2 * time.Millisecond
	a := s.newAgent(-1)

	l.Launch(s.ctx, a, s.sink)

	// Every checkpoint saw the build in progress, so the wait ran out
	// its whole budget and failed with a timeout.
	assert.Greater(s.T(), s.service.statusCalls, 0)
	msgs := s.sink.messages()
	require.Len(s.T(), msgs, 1)
	assert.Contains(s.T(), msgs[0], "timed out")
}

func (s *LauncherSuite) TestLaunch_StatusQueryErrorAborts() {
	l := s.newLauncher(200 * time.Millisecond)
	l.statusCheckInterval = 0
	s.service.statusReplies = []statusReply{
		{err: fmt.Errorf("throttled")},
	}
	a := s.newAgent(-1)

	l.Launch(s.ctx, a, s.sink)

	assert.Equal(s.T(), []string{"build-1"}, s.service.stoppedIDs())
	msgs := s.sink.messages()
	require.Len(s.T(), msgs, 1)
	assert.Contains(s.T(), msgs[0], "throttled")
}

// ---------------------------------------------------------------------------
// Preconditions
// ---------------------------------------------------------------------------

func (s *LauncherSuite) TestLaunch_ForeignAgentIsSkipped() {
	l := s.newLauncher(100 * time.Millisecond)

	l.Launch(s.ctx, foreignAgent{}, s.sink)

	assert.Empty(s.T(), s.service.started)
	assert.Empty(s.T(), s.sink.messages())
	assert.Empty(s.T(), s.nodes.removedNames())
}

func (s *LauncherSuite) TestLaunch_AgentWithoutNodeIsSkipped() {
	l := s.newLauncher(100 * time.Millisecond)
	a := s.newAgent(0)
	a.node = nil

	l.Launch(s.ctx, a, s.sink)

	assert.Empty(s.T(), s.service.started)
	assert.Empty(s.T(), s.sink.messages())
}

// ---------------------------------------------------------------------------
// Disconnect hook
// ---------------------------------------------------------------------------

func (s *LauncherSuite) TestBeforeDisconnect_ClearsBuildID() {
	l := s.newLauncher(100 * time.Millisecond)
	a := s.newAgent(0)
	a.SetBuildID("build-42")

	l.BeforeDisconnect(a)

	assert.Empty(s.T(), a.BuildID())
}

func (s *LauncherSuite) TestBeforeDisconnect_IgnoresForeignAgents() {
	l := s.newLauncher(100 * time.Millisecond)

	// Must not panic.
	l.BeforeDisconnect(foreignAgent{})
}

func (s *LauncherSuite) TestIsLaunchSupported_InitiallyTrue() {
	l := s.newLauncher(100 * time.Millisecond)
	assert.True(s.T(), l.IsLaunchSupported())
}
