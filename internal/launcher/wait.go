package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/codebuild-agents/internal/buildsvc"
)

// TimeoutError reports that an agent never connected within the launch
// budget.
type TimeoutError struct {
	Agent   string
	BuildID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for agent %s to connect to build %s", e.Agent, e.BuildID)
}

// waitForAgentConnection polls until the agent is online and accepting
// work, the build reaches a terminal status, or the launch budget runs
// out.
//
// Two clocks run here: the poll interval is short so a connection is
// observed promptly, and every statusCheckInterval of accumulated
// waiting the build's own status is queried so a build that died on the
// remote side fails the launch long before the full timeout.
func (l *Launcher) waitForAgentConnection(ctx context.Context, a CodeBuildAgent, buildID string) error {
	ctx, span := l.tracer.Start(ctx, "launcher.waitForAgentConnection")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.name", a.Name()),
		attribute.String("build.id", buildID),
	)

	l.logger.Info("waiting for agent to connect",
		slog.String("agent", a.Name()),
		slog.String("buildID", buildID),
	)

	iterations := int(l.timeout / l.pollInterval)
	var sinceStatusCheck time.Duration

	for i := 0; i < iterations; i++ {
		if a.Online() && a.AcceptingWork() {
			span.AddEvent("agent connected")
			l.logger.Info("agent connected",
				slog.String("agent", a.Name()),
				slog.String("buildID", buildID),
			)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.pollInterval):
		}
		sinceStatusCheck += l.pollInterval

		if sinceStatusCheck <= l.statusCheckInterval {
			continue
		}
		sinceStatusCheck = 0

		// The build should still be in progress at this point.  Any
		// terminal status means its agent can never connect, so the
		// wait aborts instead of running out the full budget.
		status, terminal, err := l.service.BuildStatus(ctx, buildID, buildsvc.TerminalStatuses())
		if err != nil {
			return fmt.Errorf("checking build status: %w", err)
		}
		if terminal {
			span.AddEvent("build reached terminal status before connection")
			return fmt.Errorf("build %s reached terminal status %s before agent %s connected",
				buildID, status, a.Name())
		}
		l.logger.Debug("build still in progress",
			slog.String("buildID", buildID),
			slog.String("status", string(status)),
		)
	}

	return &TimeoutError{Agent: a.Name(), BuildID: buildID}
}
