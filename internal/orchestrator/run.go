package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/logfields"
	"github.com/kilocode/backplane/internal/metrics"
	"github.com/kilocode/backplane/internal/provider"
	"github.com/kilocode/backplane/internal/sandbox"
	"github.com/kilocode/backplane/internal/secrets"
	"github.com/kilocode/backplane/internal/staticworker"
	"github.com/kilocode/backplane/internal/storage"
)

// run executes the build pipeline to a terminal state. Secrets are moved out
// of persisted state before anything else so a crash mid-run cannot leak
// them; the sandbox is destroyed on every exit path.
func (o *Orchestrator) run(ctx context.Context) {
	started := o.deps.Clock.Now()

	token, sealed, src, err := o.extractSecrets(ctx)
	if err != nil {
		o.fail(ctx, err, token)
		return
	}
	if err := o.setStatus(ctx, StatusBuilding); err != nil {
		// Cancelled between the alarm firing and here.
		return
	}

	var exec sandbox.Executor
	defer func() {
		if exec == nil {
			return
		}
		// Teardown must survive run-context cancellation.
		cleanup := context.WithoutCancel(ctx)
		if derr := exec.Destroy(cleanup); derr != nil {
			o.logger.Warn("sandbox destroy", logfields.Error(derr))
		}
		_ = o.events.Log(cleanup, "Build environment cleaned up")
	}()

	exec, err = o.deps.Provisioner.Acquire(ctx, o.buildID)
	if err != nil {
		o.fail(ctx, errors.WrapError(err, errors.CategorySandbox, "acquire build environment").Build(), token)
		return
	}
	o.mu.Lock()
	o.exec = exec
	o.mu.Unlock()
	_ = o.events.Log(ctx, "Build environment ready")

	if err := o.acquireSource(ctx, exec, src, token); err != nil {
		o.fail(ctx, err, token)
		return
	}

	projectType, err := o.detectProject(ctx, exec)
	if err != nil {
		o.fail(ctx, err, token)
		return
	}

	envVars, err := o.decryptEnv(sealed)
	if err != nil {
		o.fail(ctx, err, token)
		return
	}

	if err := o.runSteps(ctx, exec, projectType, envVars); err != nil {
		o.fail(ctx, err, token)
		return
	}
	if err := o.maybeMigrate(ctx, exec, envVars); err != nil {
		o.fail(ctx, err, token)
		return
	}

	if err := o.setStatus(ctx, StatusDeploying); err != nil {
		return
	}

	bundle, err := o.readArtifacts(ctx, exec, projectType)
	if err != nil {
		o.fail(ctx, err, token)
		return
	}

	o.mu.Lock()
	slug := o.build.Slug
	o.mu.Unlock()
	err = o.deps.Deployer.Deploy(ctx, provider.DeployInput{
		WorkerName:  slug,
		Namespace:   o.deps.Namespace,
		Bundle:      bundle,
		EnvVars:     envVars,
		DraftScript: staticworker.DraftScript(),
		Log: func(msg string) {
			_ = o.events.Log(ctx, msg)
		},
	})
	if err != nil {
		o.fail(ctx, err, token)
		return
	}

	if err := o.setStatus(ctx, StatusDeployed); err != nil {
		return
	}
	_ = o.events.Log(ctx, "Deployment complete")
	o.deps.Recorder.IncBuildOutcome(string(StatusDeployed))
	o.deps.Recorder.ObserveBuildDuration(o.deps.Clock.Since(started))
}

// extractSecrets moves the access token and sealed env vars out of persisted
// state into locals, returning them alongside a snapshot of the source.
func (o *Orchestrator) extractSecrets(ctx context.Context) (token string, sealed []secrets.SealedEnvVar, src Source, err error) {
	o.mu.Lock()
	if o.build == nil {
		o.mu.Unlock()
		return "", nil, Source{}, errors.NotFoundError("build not found").Build()
	}
	sealed = o.build.EnvVars
	src = o.build.Source
	if src.Git != nil {
		g := *src.Git
		src.Git = &g
		token = g.AccessToken
	}
	o.clearSecretsLocked()
	perr := storage.PutJSON(ctx, o.kv, keyState, o.build)
	o.mu.Unlock()
	if perr != nil {
		return token, sealed, src, errors.WrapError(perr, errors.CategoryStorage, "persist secret extraction").Build()
	}
	return token, sealed, src, nil
}

// fail transitions to failed, logging a token-redacted description of the
// error. Safe to call after a lost status race; the transition error is
// swallowed.
func (o *Orchestrator) fail(ctx context.Context, err error, token string) {
	redacted := secrets.RedactError(err, token)
	_ = o.events.Log(ctx, "Build failed: "+redacted.Error())
	if serr := o.setStatus(ctx, StatusFailed); serr != nil {
		return
	}
	o.logger.Error("build failed", logfields.Error(redacted))
	o.deps.Recorder.IncBuildOutcome(string(StatusFailed))
}

// acquireSource materializes the project tree at projectDir, from either the
// stashed archive or a git clone.
func (o *Orchestrator) acquireSource(ctx context.Context, exec sandbox.Executor, src Source, token string) error {
	switch src.Kind {
	case SourceArchive:
		return o.unpackArchive(ctx, exec)
	case SourceGit:
		return o.cloneRepository(ctx, exec, src.Git, token)
	default:
		return errors.ValidationError("unknown source kind").
			WithContext("kind", string(src.Kind)).Build()
	}
}

func (o *Orchestrator) unpackArchive(ctx context.Context, exec sandbox.Executor) error {
	buf, found, err := o.kv.Get(ctx, keyArchive)
	if err != nil {
		return errors.WrapError(err, errors.CategoryStorage, "read archive buffer").Build()
	}
	if !found {
		return errors.ArchiveError("archive buffer missing").Build()
	}
	if err := o.kv.Delete(ctx, keyArchive); err != nil {
		o.logger.Warn("drop archive buffer", logfields.Error(err))
	}

	const archivePath = "/tmp/source.tar.gz"
	if err := exec.WriteFile(ctx, archivePath, buf); err != nil {
		return errors.WrapError(err, errors.CategoryArchive, "upload archive").Build()
	}
	cmd := "mkdir -p " + projectDir + " && tar -xzf " + archivePath + " -C " + projectDir + " && rm -f " + archivePath
	if _, err := exec.Run(ctx, cmd, sandbox.ExecOptions{}); err != nil {
		return errors.WrapError(err, errors.CategoryArchive, "extract archive").Build()
	}
	_ = o.events.Log(ctx, "Source archive extracted")
	return nil
}

func (o *Orchestrator) cloneRepository(ctx context.Context, exec sandbox.Executor, git *GitSource, token string) error {
	if git == nil {
		return errors.ValidationError("git source missing").Build()
	}
	url := cloneURL(git.Provider, git.RepoSource, token)
	if err := exec.GitCheckout(ctx, url, git.Branch, projectDir); err != nil {
		// The raw error may embed the clone URL and with it the token.
		_ = o.events.Log(ctx, "Failed to clone repository "+git.RepoSource)
		return errors.WrapError(secrets.RedactError(err, token), errors.CategoryGit, "clone repository").
			WithContext("repo", git.RepoSource).Build()
	}
	_ = o.events.Log(ctx, "Repository cloned")

	if err := o.pullLFS(ctx, exec, token); err != nil {
		return err
	}

	head, err := exec.Run(ctx, "git rev-parse HEAD", sandbox.ExecOptions{Cwd: projectDir})
	if err == nil {
		head = strings.TrimSpace(head)
		_ = o.events.Log(ctx, "Checked out commit "+head)
	}
	return nil
}

// pullLFS fetches LFS objects when the repo uses them. Absence of
// .gitattributes (grep exit 1) is the common case and not an error.
func (o *Orchestrator) pullLFS(ctx context.Context, exec sandbox.Executor, token string) error {
	if _, err := exec.Run(ctx, `grep -q "filter=lfs" .gitattributes`, sandbox.ExecOptions{Cwd: projectDir}); err != nil {
		return nil
	}
	_ = o.events.Log(ctx, "Fetching Git LFS objects")
	if _, err := exec.Run(ctx, "git lfs install && git lfs pull", sandbox.ExecOptions{Cwd: projectDir}); err != nil {
		return errors.WrapError(secrets.RedactError(err, token), errors.CategoryGit, "fetch LFS objects").Build()
	}
	return nil
}

// detectProject runs the detection script and validates its tag against the
// supported set. The result is persisted on the build for status queries.
func (o *Orchestrator) detectProject(ctx context.Context, exec sandbox.Executor) (string, error) {
	out, err := exec.Run(ctx, detectScript, sandbox.ExecOptions{})
	if err != nil {
		return "", errors.WrapError(err, errors.CategoryDetect, "run project detection").Build()
	}
	tag := strings.TrimSpace(out)
	if i := strings.LastIndexByte(tag, '\n'); i >= 0 {
		tag = strings.TrimSpace(tag[i+1:])
	}
	if tag == "unknown" {
		return "", errors.DetectError("could not determine the project type; supported frameworks are Next.js, Hugo, Jekyll, Eleventy, Astro, and plain HTML").Build()
	}
	if !supportedProject(tag) {
		return "", errors.DetectError("unsupported project type").WithContext("projectType", tag).Build()
	}

	o.mu.Lock()
	o.build.ProjectType = tag
	err = storage.PutJSON(ctx, o.kv, keyState, o.build)
	o.mu.Unlock()
	if err != nil {
		return "", errors.WrapError(err, errors.CategoryStorage, "persist project type").Build()
	}
	_ = o.events.Log(ctx, "Detected project type: "+tag)
	o.logger.Info("project detected", logfields.ProjectType(tag))
	return tag, nil
}

func (o *Orchestrator) decryptEnv(sealed []secrets.SealedEnvVar) ([]secrets.EnvVar, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	if o.deps.Decryptor == nil {
		return nil, errors.ConfigError("env vars supplied but no decryption key configured").Build()
	}
	return o.deps.Decryptor.Decrypt(sealed)
}

// runSteps executes the project pipeline, recording per-step timing.
func (o *Orchestrator) runSteps(ctx context.Context, exec sandbox.Executor, projectType string, envVars []secrets.EnvVar) error {
	env := envMap(envVars)
	for _, step := range stepsFor(projectType) {
		_ = o.events.Log(ctx, step.Message)
		opts := sandbox.ExecOptions{Cwd: projectDir}
		if step.InjectEnv {
			opts.Env = env
		}
		stepStart := o.deps.Clock.Now()
		err := o.runScript(ctx, exec, step.Command, opts)
		o.deps.Recorder.ObserveStepDuration(step.Name, o.deps.Clock.Since(stepStart))
		if err != nil {
			o.deps.Recorder.IncStepResult(step.Name, metrics.ResultFatal)
			return err
		}
		o.deps.Recorder.IncStepResult(step.Name, metrics.ResultSuccess)
	}
	return nil
}

// maybeMigrate runs the database migration when package.json declares both
// the app-builder-db dependency and a db:migrate script.
func (o *Orchestrator) maybeMigrate(ctx context.Context, exec sandbox.Executor, envVars []secrets.EnvVar) error {
	raw, err := exec.ReadFile(ctx, projectDir+"/package.json")
	if err != nil {
		return nil
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
		Scripts         map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil
	}
	_, hasDep := pkg.Dependencies[migratePackage]
	if !hasDep {
		_, hasDep = pkg.DevDependencies[migratePackage]
	}
	if _, hasScript := pkg.Scripts[migrateScript]; !hasDep || !hasScript {
		return nil
	}

	_ = o.events.Log(ctx, "Running database migrations")
	return o.runScript(ctx, exec, migrateCommand, sandbox.ExecOptions{Cwd: projectDir, Env: envMap(envVars)})
}

// runScript streams a command through the sandbox, forwarding cleaned output
// lines as log events. Error events and non-zero exits become build step
// failures.
func (o *Orchestrator) runScript(ctx context.Context, exec sandbox.Executor, command string, opts sandbox.ExecOptions) error {
	stream, err := exec.Exec(ctx, command, opts)
	if err != nil {
		return errors.WrapError(err, errors.CategoryBuildStep, "start build step").
			WithContext("command", command).Build()
	}
	for ev := range stream {
		switch ev.Type {
		case sandbox.EventLog:
			for _, line := range strings.Split(sandbox.StripControl(ev.Data), "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if lerr := o.events.Log(ctx, line); lerr != nil {
					o.logger.Warn("append step log", logfields.Error(lerr))
				}
			}
		case sandbox.EventError:
			return errors.BuildStepError("build step failed").
				WithContext("command", command).
				WithContext("cause", ev.Message).Build()
		case sandbox.EventComplete:
			if ev.ExitCode != 0 {
				return errors.BuildStepError("build step exited with non-zero status").
					WithContext("command", command).
					WithContext("exitCode", ev.ExitCode).Build()
			}
		}
	}
	return ctx.Err()
}

func envMap(vars []secrets.EnvVar) map[string]string {
	if len(vars) == 0 {
		return nil
	}
	m := make(map[string]string, len(vars))
	for _, v := range vars {
		m[v.Key] = v.Value
	}
	return m
}
