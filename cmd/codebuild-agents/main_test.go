package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/codebuild-agents/internal/config"
)

func TestNewService_Docker(t *testing.T) {
	cfg := &config.Config{}
	cfg.Service.Type = "docker"
	cfg.Build.Image = "jenkins/inbound-agent:latest"
	pull := false
	cfg.Service.Docker.Pull = &pull

	svc, err := newService(context.Background(), cfg,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestNewService_UnknownType(t *testing.T) {
	cfg := &config.Config{}
	cfg.Service.Type = "kubernetes"

	_, err := newService(context.Background(), cfg,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "unsupported service type")
}

func TestApplyFlagOverrides(t *testing.T) {
	prev := flagOverrides
	defer func() { flagOverrides = prev }()

	flagOverrides = config.Config{}
	flagOverrides.Build.Project = "override-project"
	flagOverrides.Connection.WebSocket = true
	flagOverrides.Logging.Level = "debug"

	cfg := &config.Config{}
	cfg.Build.Project = "file-project"
	cfg.Build.Image = "file-image"

	applyFlagOverrides(cfg)

	assert.Equal(t, "override-project", cfg.Build.Project)
	assert.Equal(t, "file-image", cfg.Build.Image, "unset flags leave file values alone")
	assert.True(t, cfg.Connection.WebSocket)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
