// Package launcher coordinates the launch of one remote agent: it
// builds the agent's bootstrap parameters, starts a build to host it,
// waits for the agent's control-plane connection, and cleans up the
// build and node when the agent never arrives.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/codebuild-agents/internal/bootstrap"
	"github.com/terrpan/codebuild-agents/internal/buildsvc"
	"github.com/terrpan/codebuild-agents/internal/config"
)

const (
	// defaultPollInterval is how often the wait loop checks the
	// agent's connection state.
	defaultPollInterval = 500 * time.Millisecond

	// defaultStatusCheckInterval is how much waiting accumulates
	// between queries of the remote build's own status.  The remote
	// check exists to fail fast when the build dies before its agent
	// ever connects.
	defaultStatusCheckInterval = 30 * time.Second
)

// Agent is the controller-side handle for a remote agent.
type Agent interface {
	Name() string
	Online() bool
	AcceptingWork() bool
}

// CodeBuildAgent extends Agent with the state this launcher manages.
// Launch silently ignores agents that do not implement it: such agents
// belong to another launcher.
type CodeBuildAgent interface {
	Agent

	// Secret is the opaque token the agent presents when connecting.
	Secret() string

	// BuildID and SetBuildID access the agent's current build.  An
	// agent has at most one build at a time; the launcher and the
	// disconnect hook are the only writers.
	BuildID() string
	SetBuildID(id string)

	// Node returns the node backing this agent, or nil when the agent
	// has none (in which case it cannot be launched).
	Node() Node
}

// Node is the registry entry backing an agent.
type Node interface {
	DisplayName() string

	// Ephemeral reports whether this launcher owns the node's
	// lifecycle and should deprovision it after a failed launch.
	Ephemeral() bool
}

// NodeRemover deprovisions nodes from the controller's registry.
type NodeRemover interface {
	RemoveNode(ctx context.Context, node Node) error
}

// Sink receives the user-visible output of one launch attempt.
type Sink interface {
	Fatalf(format string, args ...any)
}

// WriterSink is a Sink that writes plain lines to an io.Writer.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) Fatalf(format string, args ...any) {
	fmt.Fprintf(s.W, "FATAL: "+format+"\n", args...)
}

// Config holds the parameters the Launcher needs.
type Config struct {
	Build      config.BuildConfig
	Connection config.ConnectionConfig

	// AgentTimeout bounds how long a launch waits for the agent to
	// connect before giving up and cleaning up the build.
	AgentTimeout time.Duration

	Service buildsvc.Service
	Nodes   NodeRemover
	Logger  *slog.Logger
}

// Launcher launches one agent at a time.  Create one Launcher per
// agent: the launched flag tracks that agent's last attempt, and
// concurrent launches of different agents use independent Launchers.
type Launcher struct {
	build   config.BuildConfig
	conn    config.ConnectionConfig
	timeout time.Duration
	service buildsvc.Service
	nodes   NodeRemover
	logger  *slog.Logger

	pollInterval        time.Duration
	statusCheckInterval time.Duration

	mu       sync.Mutex
	launched bool

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	launchesStarted metric.Int64Counter
	launchesFailed  metric.Int64Counter
	connectDuration metric.Float64Histogram
}

// New creates a Launcher.
func New(cfg Config) *Launcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	l := &Launcher{
		build:               cfg.Build,
		conn:                cfg.Connection,
		timeout:             cfg.AgentTimeout,
		service:             cfg.Service,
		nodes:               cfg.Nodes,
		logger:              cfg.Logger,
		pollInterval:        defaultPollInterval,
		statusCheckInterval: defaultStatusCheckInterval,
		tracer:              otel.Tracer("codebuild-agents/launcher"),
		meter:               otel.Meter("codebuild-agents/launcher"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	l.launchesStarted, err = l.meter.Int64Counter(
		"launcher.launches.started",
		metric.WithDescription("Total number of launch attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create launchesStarted counter", slog.String("error", err.Error()))
	}

	l.launchesFailed, err = l.meter.Int64Counter(
		"launcher.launches.failed",
		metric.WithDescription("Total number of failed launch attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create launchesFailed counter", slog.String("error", err.Error()))
	}

	l.connectDuration, err = l.meter.Float64Histogram(
		"launcher.agent.connect.duration",
		metric.WithDescription("Time from build start to agent connection (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create connectDuration histogram", slog.String("error", err.Error()))
	}

	return l
}

// IsLaunchSupported reports whether Launch may be attempted: once an
// agent is launched its connection is managed by the agent itself.
func (l *Launcher) IsLaunchSupported() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.launched
}

func (l *Launcher) setLaunched(v bool) {
	l.mu.Lock()
	l.launched = v
	l.mu.Unlock()
}

// Launch provisions a build for the agent and waits for the agent to
// connect.  It never returns an error: every failure is handled here,
// reported through sink, and followed by cleanup (stop the build if one
// was started, clear the agent's build id, deprovision ephemeral
// nodes).  Agents that are not CodeBuild agents, or that have no node,
// are skipped silently since they legitimately belong to other systems.
func (l *Launcher) Launch(ctx context.Context, a Agent, sink Sink) {
	l.setLaunched(false)

	cba, ok := a.(CodeBuildAgent)
	if !ok {
		l.logger.Debug("not launching agent of foreign type",
			slog.String("agent", a.Name()),
		)
		return
	}

	node := cba.Node()
	if node == nil {
		l.logger.Error("not launching agent without a node",
			slog.String("agent", a.Name()),
		)
		return
	}

	ctx, span := l.tracer.Start(ctx, "launcher.Launch")
	defer span.End()
	span.SetAttributes(attribute.String("agent.name", a.Name()))

	if l.launchesStarted != nil {
		l.launchesStarted.Add(ctx, 1)
	}

	l.logger.Info("launching agent", slog.String("agent", a.Name()))

	params := bootstrap.Parameters(l.conn, bootstrap.Identity{
		Name:   node.DisplayName(),
		Secret: cba.Secret(),
	})

	startTime := time.Now()
	buildID := ""
	err := func() error {
		id, err := l.service.StartBuild(ctx, buildsvc.StartSpec{
			Project:         l.build.Project,
			Image:           l.build.Image,
			EnvironmentType: l.build.EnvironmentType,
			ComputeType:     l.build.ComputeType,
			BuildSpec:       l.build.BuildSpec,
			Env:             params,
		})
		if err != nil {
			return fmt.Errorf("starting build: %w", err)
		}
		buildID = id
		cba.SetBuildID(id)
		span.SetAttributes(attribute.String("build.id", id))

		return l.waitForAgentConnection(ctx, cba, id)
	}()

	if err == nil {
		l.setLaunched(true)
		if l.connectDuration != nil {
			l.connectDuration.Record(ctx, time.Since(startTime).Seconds())
		}
		return
	}

	// Cleanup path: every step is best-effort so one failure does not
	// block the others.
	if l.launchesFailed != nil {
		l.launchesFailed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", failureReason(err)),
		))
	}

	if buildID != "" {
		if serr := l.service.StopBuild(ctx, buildID); serr != nil {
			l.logger.Error("failed to stop build",
				slog.String("buildID", buildID),
				slog.String("error", serr.Error()),
			)
		}
	}

	cba.SetBuildID("")

	l.logger.Error("launch failed",
		slog.String("agent", a.Name()),
		slog.String("error", err.Error()),
	)
	sink.Fatalf("launch failed: %v", err)

	if node.Ephemeral() {
		if derr := l.nodes.RemoveNode(ctx, node); derr != nil {
			l.logger.Error("failed to deprovision node",
				slog.String("node", node.DisplayName()),
				slog.String("error", derr.Error()),
			)
		}
	}
}

// BeforeDisconnect is invoked by the controller before an agent
// disconnects.  It clears the agent's build id unconditionally; it and
// Launch are the only writers of that field.
func (l *Launcher) BeforeDisconnect(a Agent) {
	if cba, ok := a.(CodeBuildAgent); ok {
		cba.SetBuildID("")
	}
}

// failureReason buckets a launch error for the failure counter.
func failureReason(err error) string {
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return "timeout"
	}
	return "error"
}
