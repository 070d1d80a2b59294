package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haatos/simple-cd/internal/store"
	"github.com/rs/zerolog"
)

const (
	StageBuild            = "build"
	StageUploadArtifact   = "upload-artifact"
	StageDownloadArtifact = "download-artifact"
	StageDeploy           = "deploy"
)

// StageNames returns the stage sequence a mode executes.
func StageNames(mode Mode) []string {
	switch mode {
	case ModeDirect:
		return []string{StageBuild, StageDeploy}
	case ModeStaged:
		return []string{StageBuild, StageUploadArtifact, StageDownloadArtifact, StageDeploy}
	case ModeBuildOnly:
		return []string{StageBuild, StageUploadArtifact}
	case ModeDeployOnly:
		return []string{StageDownloadArtifact, StageDeploy}
	default:
		return nil
	}
}

// runState is the data handed from one stage to the next within a run.
type runState struct {
	run         *store.Run
	target      *Target
	workdir     string
	lease       *Lease
	artifact    *Artifact
	artifactRef *ArtifactRef
	url         string
	output      *runOutput
	logger      zerolog.Logger
}

type stageFunc func(ctx context.Context, rs *runState, attempt int) error

func (ps *PipelineService) stageFuncs() map[string]stageFunc {
	return map[string]stageFunc{
		StageBuild:            ps.buildStage,
		StageUploadArtifact:   ps.uploadArtifactStage,
		StageDownloadArtifact: ps.downloadArtifactStage,
		StageDeploy:           ps.deployStage,
	}
}

func (ps *PipelineService) buildStage(ctx context.Context, rs *runState, attempt int) error {
	sourceRoot, err := ps.resolver.Resolve(ctx, rs.target.Source, rs.workdir, rs.output)
	if err != nil {
		return &BuildError{Stage: StageBuild, Err: err}
	}

	// each attempt writes a fresh directory; output of an earlier attempt is
	// never modified
	outputDir := filepath.Join(rs.workdir, fmt.Sprintf("build-%d", attempt))
	if err := os.RemoveAll(outputDir); err != nil {
		return err
	}
	artifact, err := ps.builder.Build(ctx, sourceRoot, BuildOptions{
		Generator: rs.target.Generator,
		OutputDir: outputDir,
		Name:      rs.target.Artifact,
		RunID:     rs.run.RunID,
		Output:    rs.output,
	})
	if err != nil {
		return err
	}
	rs.artifact = artifact
	rs.logger.Info().
		Str("artifact", artifact.Ref.String()).
		Int64("files", artifact.Files).
		Msg("build produced artifact")
	return nil
}

func (ps *PipelineService) uploadArtifactStage(ctx context.Context, rs *runState, _ int) error {
	if rs.artifact == nil {
		return fmt.Errorf("no build output to upload")
	}
	ref, err := ps.artifacts.Put(ctx, rs.target.Artifact, rs.run.RunID, rs.artifact.Dir)
	if err != nil {
		return err
	}
	rs.artifactRef = &ref
	fmt.Fprintf(rs.output, "stored artifact %s\n", ref)
	return nil
}

func (ps *PipelineService) downloadArtifactStage(ctx context.Context, rs *runState, attempt int) error {
	if rs.artifactRef == nil {
		return fmt.Errorf("%w: no artifact reference", ErrArtifactNotFound)
	}
	if err := ps.checkDeployable(ctx, *rs.artifactRef); err != nil {
		return err
	}
	dest := filepath.Join(rs.workdir, fmt.Sprintf("artifact-%d", attempt))
	artifact, err := ps.artifacts.Get(ctx, *rs.artifactRef, dest)
	if err != nil {
		return err
	}
	rs.artifact = artifact
	fmt.Fprintf(rs.output, "retrieved artifact %s (%d files)\n", artifact.Ref, artifact.Files)
	return nil
}

func (ps *PipelineService) deployStage(ctx context.Context, rs *runState, _ int) error {
	if rs.artifact == nil {
		return &DeployError{Stage: StageDeploy, Target: rs.target.Name, Err: fmt.Errorf("no artifact to deploy")}
	}
	url, err := ps.deployer.Deploy(ctx, rs.artifact, rs.target)
	if err != nil {
		return err
	}
	rs.url = url
	fmt.Fprintf(rs.output, "published %s to %s\n", rs.artifact.Ref, url)
	return nil
}

// checkDeployable rejects artifacts whose producing run never completed its
// upload stage, so output of a failed build is never published.
func (ps *PipelineService) checkDeployable(ctx context.Context, ref ArtifactRef) error {
	results, err := ps.runStore.ListStageResults(ctx, ref.RunID)
	if err != nil {
		return err
	}
	for _, sr := range results {
		if sr.Name == StageUploadArtifact && sr.Status == store.StageSucceeded {
			return nil
		}
	}
	return fmt.Errorf("%w: run %d did not complete an upload of %s", ErrArtifactNotFound, ref.RunID, ref.Name)
}
