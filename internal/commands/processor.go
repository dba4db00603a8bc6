// Package commands executes queued administrative commands.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EternisAI/rac-sentinel/internal/publication"
	"github.com/EternisAI/rac-sentinel/internal/store"
	"github.com/EternisAI/rac-sentinel/internal/telemetry"
)

const (
	progressStarted     = 5
	progressPublishing  = 20
	progressUpdating    = 40
	progressMassListed  = 10
	progressFinishing   = 90
	progressDone        = 100
	massProgressEvery   = 3
	massProgressMinTick = time.Second
)

type Store interface {
	NextPendingCommand(ctx context.Context, agentID string) (*store.Command, error)
	UpdateCommandStatus(ctx context.Context, commandID string, status store.CommandStatus, errorMessage string) error
	UpdateCommandProgress(ctx context.Context, commandID string, percent int, message string) error
}

// Publisher is the web-publication and platform-installation capability.
type Publisher interface {
	ResolveBinPath(version string) (string, error)
	ListPublications() ([]store.PublishedApp, error)
	Publish(ctx context.Context, req publication.Request) error
	UpdateVersion(ctx context.Context, siteName, appPath, binPath string) error
}

type Processor struct {
	store     Store
	publisher Publisher
	metrics   *telemetry.Metrics
	now       func() time.Time
}

func NewProcessor(s Store, publisher Publisher, metrics *telemetry.Metrics) *Processor {
	return &Processor{
		store:     s,
		publisher: publisher,
		metrics:   metrics,
		now:       time.Now,
	}
}

// DrainPending processes pending commands oldest first until the queue is
// empty. A failing command does not stop the drain; a store failure does.
func (p *Processor) DrainPending(ctx context.Context, agentID string) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		cmd, err := p.store.NextPendingCommand(ctx, agentID)
		if err != nil {
			return processed, fmt.Errorf("failed to fetch pending command: %w", err)
		}
		if cmd == nil {
			return processed, nil
		}
		if err := p.process(ctx, cmd); err != nil {
			return processed, err
		}
		processed++
	}
}

func (p *Processor) process(ctx context.Context, cmd *store.Command) error {
	if err := p.store.UpdateCommandStatus(ctx, cmd.ID, store.CommandStatusProcessing, ""); err != nil {
		return fmt.Errorf("failed to mark command %s processing: %w", cmd.ID, err)
	}
	slog.Info("Processing command", "command_id", cmd.ID, "type", cmd.Type)
	p.progress(ctx, cmd.ID, progressStarted, "Started")

	status, message := store.CommandStatusCompleted, ""
	if err := p.dispatch(ctx, cmd); err != nil {
		status, message = store.CommandStatusFailed, err.Error()
		slog.Warn("Command failed", "command_id", cmd.ID, "type", cmd.Type, "error", err)
	} else {
		p.progress(ctx, cmd.ID, progressDone, "Completed")
		slog.Info("Command completed", "command_id", cmd.ID, "type", cmd.Type)
	}
	p.metrics.CommandProcessed(cmd.Type, status)

	if err := p.store.UpdateCommandStatus(ctx, cmd.ID, status, message); err != nil {
		slog.Error("Failed to record command result",
			"command_id", cmd.ID,
			"status", status,
			"error", err)
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, cmd *store.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command panicked: %v", r)
		}
	}()

	payload, err := DecodePayload(cmd.Type, cmd.Payload)
	if err != nil {
		return err
	}

	switch pl := payload.(type) {
	case PublishNewPayload:
		return p.publishNew(ctx, cmd.ID, pl, "")
	case PublishPayload:
		return p.publish(ctx, cmd.ID, pl)
	case UpdatePublicationVersionPayload:
		p.progress(ctx, cmd.ID, progressUpdating, "Updating publication "+pl.SiteName)
		if err := p.publisher.UpdateVersion(ctx, pl.SiteName, pl.AppPath, pl.NewVersionBinPath); err != nil {
			return err
		}
		p.progress(ctx, cmd.ID, progressFinishing, "Publication updated")
		return nil
	case MassUpdateVersionsPayload:
		return p.massUpdate(ctx, cmd.ID, pl)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommandType, cmd.Type)
	}
}

func (p *Processor) publishNew(ctx context.Context, commandID string, pl PublishNewPayload, siteName string) error {
	p.progress(ctx, commandID, progressPublishing, "Publishing "+pl.BaseName)
	err := p.publisher.Publish(ctx, publication.Request{
		Version:          pl.Version,
		BaseName:         pl.BaseName,
		FolderPath:       pl.FolderPath,
		ConnectionString: pl.ConnectionString,
		SiteName:         siteName,
	})
	if err != nil {
		return err
	}
	p.progress(ctx, commandID, progressFinishing, "Published "+pl.BaseName)
	return nil
}

// publish updates an existing publication of the base in place, or creates
// one when the site does not publish it yet.
func (p *Processor) publish(ctx context.Context, commandID string, pl PublishPayload) error {
	site := pl.SiteName
	if site == "" {
		site = pl.BaseName
	}
	appPath := "/" + strings.Trim(pl.BaseName, "/")

	apps, err := p.publisher.ListPublications()
	if err != nil {
		return fmt.Errorf("failed to list publications: %w", err)
	}
	for _, app := range apps {
		if !strings.EqualFold(app.SiteName, site) || !samePath(app.AppPath, appPath) {
			continue
		}
		p.progress(ctx, commandID, progressUpdating, "Updating existing publication "+app.AppPath)
		binPath, err := p.publisher.ResolveBinPath(pl.Version)
		if err != nil {
			return err
		}
		if err := p.publisher.UpdateVersion(ctx, app.SiteName, app.AppPath, binPath); err != nil {
			return err
		}
		p.progress(ctx, commandID, progressFinishing, "Publication updated")
		return nil
	}
	return p.publishNew(ctx, commandID, pl.PublishNewPayload, pl.SiteName)
}

func (p *Processor) massUpdate(ctx context.Context, commandID string, pl MassUpdateVersionsPayload) error {
	targetBin, err := p.publisher.ResolveBinPath(pl.TargetVersion)
	if err != nil {
		return err
	}
	apps, err := p.publisher.ListPublications()
	if err != nil {
		return fmt.Errorf("failed to list publications: %w", err)
	}
	candidates := MassUpdateCandidates(apps, pl.SourceVersion, pl.TargetVersion)

	total := len(candidates)
	p.progress(ctx, commandID, progressMassListed, fmt.Sprintf("Found %d publication(s) to update", total))

	ok := 0
	lastReport := p.now()
	for i, app := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.publisher.UpdateVersion(ctx, app.SiteName, app.AppPath, targetBin); err != nil {
			slog.Warn("Failed to update publication",
				"site", app.SiteName,
				"app_path", app.AppPath,
				"error", err)
		} else {
			ok++
		}

		done := i + 1
		if done%massProgressEvery == 0 || done == total || p.now().Sub(lastReport) >= massProgressMinTick {
			percent := progressMassListed + done*(progressFinishing-progressMassListed)/total
			p.progress(ctx, commandID, percent, fmt.Sprintf("Updated %d/%d, ok %d", done, total, ok))
			lastReport = p.now()
		}
	}

	slog.Info("Mass version update finished",
		"target", pl.TargetVersion,
		"total", total,
		"ok", ok)
	return nil
}

// MassUpdateCandidates selects publications on sourceVersion, or all of them
// when sourceVersion is empty, that are not already on targetVersion.
func MassUpdateCandidates(apps []store.PublishedApp, sourceVersion, targetVersion string) []store.PublishedApp {
	source := strings.TrimSpace(sourceVersion)
	target := strings.TrimSpace(targetVersion)

	var out []store.PublishedApp
	for _, app := range apps {
		if strings.EqualFold(app.Version, target) {
			continue
		}
		if source != "" && !strings.EqualFold(app.Version, source) {
			continue
		}
		out = append(out, app)
	}
	return out
}

func (p *Processor) progress(ctx context.Context, commandID string, percent int, message string) {
	if err := p.store.UpdateCommandProgress(ctx, commandID, percent, message); err != nil {
		slog.Debug("Failed to report command progress", "command_id", commandID, "error", err)
	}
}

func samePath(a, b string) bool {
	return strings.EqualFold(strings.TrimRight(a, "/"), strings.TrimRight(b, "/"))
}
