// Package codebuild implements the buildsvc.Service interface using
// AWS CodeBuild to host agents in ephemeral builds.
//
// Authentication uses the default AWS credential chain (environment,
// shared config, instance role).  No credential fields exist in Config.
package codebuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/codebuild/types"

	"github.com/terrpan/codebuild-agents/internal/buildsvc"
)

// Config holds AWS-specific service settings.
type Config struct {
	// Region is the AWS region.  If empty, the SDK's default region
	// resolution applies.
	Region string

	// Endpoint overrides the CodeBuild endpoint (for local stacks).
	Endpoint string
}

// Service runs agent-hosting builds on AWS CodeBuild.
type Service struct {
	client *codebuild.Client
	logger *slog.Logger
}

// Compile-time check that Service satisfies the buildsvc.Service interface.
var _ buildsvc.Service = (*Service)(nil)

// New creates a CodeBuild service using the default credential chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Service, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	var client *codebuild.Client
	if cfg.Endpoint != "" {
		client = codebuild.NewFromConfig(awsCfg, func(o *codebuild.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	} else {
		client = codebuild.NewFromConfig(awsCfg)
	}

	logger.Info("codebuild service initialized",
		slog.String("region", awsCfg.Region),
	)

	return &Service{client: client, logger: logger}, nil
}

// StartBuild starts one build of the configured project with the spec's
// overrides applied.  The build uses no source: everything the agent
// needs arrives through the environment.
func (s *Service) StartBuild(ctx context.Context, spec buildsvc.StartSpec) (string, error) {
	input := startBuildInput(spec)

	out, err := s.client.StartBuild(ctx, input)
	if err != nil {
		return "", fmt.Errorf("start build in project %s: %w", spec.Project, err)
	}
	if out.Build == nil || out.Build.Id == nil {
		return "", fmt.Errorf("start build in project %s: response carried no build id", spec.Project)
	}

	s.logger.Info("build started",
		slog.String("project", spec.Project),
		slog.String("buildID", *out.Build.Id),
	)

	return *out.Build.Id, nil
}

// startBuildInput maps a StartSpec onto the CodeBuild request.
func startBuildInput(spec buildsvc.StartSpec) *codebuild.StartBuildInput {
	env := make([]types.EnvironmentVariable, 0, len(spec.Env))
	for _, p := range spec.Env {
		env = append(env, types.EnvironmentVariable{
			Name:  aws.String(p.Name),
			Type:  types.EnvironmentVariableTypePlaintext,
			Value: aws.String(p.Value),
		})
	}

	return &codebuild.StartBuildInput{
		ProjectName:                  aws.String(spec.Project),
		SourceTypeOverride:           types.SourceTypeNoSource,
		ImageOverride:                aws.String(spec.Image),
		EnvironmentTypeOverride:      types.EnvironmentType(spec.EnvironmentType),
		PrivilegedModeOverride:       aws.Bool(true),
		EnvironmentVariablesOverride: env,
		ComputeTypeOverride:          types.ComputeType(spec.ComputeType),
		BuildspecOverride:            aws.String(spec.BuildSpec),
	}
}

// StopBuild stops the build identified by id.  Builds that already
// finished are not an error: CodeBuild rejects the stop with an
// invalid-input fault, which is swallowed here.
func (s *Service) StopBuild(ctx context.Context, id string) error {
	_, err := s.client.StopBuild(ctx, &codebuild.StopBuildInput{
		Id: aws.String(id),
	})
	if err != nil {
		var invalid *types.InvalidInputException
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &invalid) || errors.As(err, &notFound) {
			s.logger.Info("build already finished",
				slog.String("buildID", id),
			)
			return nil
		}
		return fmt.Errorf("stop build %s: %w", id, err)
	}

	s.logger.Info("build stopped", slog.String("buildID", id))
	return nil
}

// BuildStatus queries the build's current status and reports whether it
// matches one of the statuses in filter.
func (s *Service) BuildStatus(ctx context.Context, id string, filter []buildsvc.Status) (buildsvc.Status, bool, error) {
	out, err := s.client.BatchGetBuilds(ctx, &codebuild.BatchGetBuildsInput{
		Ids: []string{id},
	})
	if err != nil {
		return "", false, fmt.Errorf("get build %s: %w", id, err)
	}
	if len(out.Builds) == 0 {
		return "", false, fmt.Errorf("get build %s: build not found", id)
	}

	// CodeBuild status literals match the buildsvc.Status values.
	status := buildsvc.Status(out.Builds[0].BuildStatus)
	for _, f := range filter {
		if status == f {
			return status, true, nil
		}
	}
	return status, false, nil
}
