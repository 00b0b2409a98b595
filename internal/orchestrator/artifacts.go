package orchestrator

import (
	"context"

	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/provider"
	"github.com/kilocode/backplane/internal/sandbox"
	"github.com/kilocode/backplane/internal/staticworker"
)

const (
	bundledAppPath  = projectDir + "/.bundled-app"
	nextAssetsDir   = projectDir + "/.open-next/assets"
	staticAssetsDir = projectDir + "/.static-site/assets"
)

// readArtifacts pulls the finished build out of the sandbox. Next.js builds
// ship their own bundled worker; static generators get the built-in asset
// server as the worker script.
func (o *Orchestrator) readArtifacts(ctx context.Context, exec sandbox.Executor, projectType string) (provider.ArtifactBundle, error) {
	if projectType == projectNextJS {
		return o.readNextArtifacts(ctx, exec)
	}
	return o.readStaticArtifacts(ctx, exec)
}

func (o *Orchestrator) readNextArtifacts(ctx context.Context, exec sandbox.Executor) (provider.ArtifactBundle, error) {
	var bundle provider.ArtifactBundle

	raw, err := sandbox.ReadWholeFile(ctx, exec, bundledAppPath)
	if err != nil {
		return bundle, errors.WrapError(err, errors.CategoryArchive, "read bundled app").Build()
	}
	files, err := sandbox.ExtractTarGz(raw)
	if err != nil {
		return bundle, errors.WrapError(err, errors.CategoryArchive, "extract bundled app").Build()
	}

	for _, f := range files {
		df := toDeploymentFile(f)
		if f.Path == "worker.js" {
			bundle.WorkerScript = df
			continue
		}
		bundle.Artifacts = append(bundle.Artifacts, df)
	}
	if bundle.WorkerScript.Content == nil {
		return bundle, errors.ArchiveError("bundled app has no worker.js").Build()
	}

	assets, err := sandbox.ReadDir(ctx, exec, nextAssetsDir, nil)
	if err != nil {
		return bundle, errors.WrapError(err, errors.CategoryArchive, "read build assets").Build()
	}
	for _, a := range assets {
		bundle.Assets = append(bundle.Assets, toDeploymentFile(a))
	}
	return bundle, nil
}

func (o *Orchestrator) readStaticArtifacts(ctx context.Context, exec sandbox.Executor) (provider.ArtifactBundle, error) {
	var bundle provider.ArtifactBundle

	assets, err := sandbox.ReadDir(ctx, exec, staticAssetsDir, nil)
	if err != nil {
		return bundle, errors.WrapError(err, errors.CategoryArchive, "read site assets").Build()
	}
	for _, a := range assets {
		bundle.Assets = append(bundle.Assets, toDeploymentFile(a))
	}

	bundle.WorkerScript = provider.File{
		Path:    "worker.js",
		Content: staticworker.WorkerScript(),
	}
	return bundle, nil
}

func toDeploymentFile(f sandbox.ArchiveFile) provider.File {
	return provider.File{
		Path:     f.Path,
		Content:  f.Data,
		MimeType: provider.GuessMime(f.Path),
	}
}
