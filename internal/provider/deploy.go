package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"regexp"
	"slices"

	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/logfields"
	"github.com/kilocode/backplane/internal/secrets"
)

const (
	compatibilityDate = "2024-09-23"
	moduleMime        = "application/javascript+module"
)

func compatibilityFlags() []string {
	return []string{"nodejs_compat"}
}

// binding is one worker binding in deploy metadata. The provider accepts a
// heterogeneous list, so a loose map keeps every shape in one type.
type binding map[string]any

type assetsRef struct {
	JWT    string         `json:"jwt"`
	Config map[string]any `json:"config"`
}

type deployMetadata struct {
	MainModule         string      `json:"main_module"`
	CompatibilityDate  string      `json:"compatibility_date"`
	CompatibilityFlags []string    `json:"compatibility_flags"`
	Bindings           []binding   `json:"bindings"`
	Assets             *assetsRef  `json:"assets,omitempty"`
	Migrations         []Migration `json:"migrations,omitempty"`
}

// DeployInput carries everything needed to deploy one worker.
type DeployInput struct {
	WorkerName string
	Namespace  string // empty uses the client default
	Bundle     ArtifactBundle
	EnvVars    []secrets.EnvVar // plaintext vars become plain_text bindings
	Migrations []Migration
	// DraftScript is deployed when secrets hit a missing worker (code 10007).
	DraftScript []byte
	// Log receives human-readable progress lines for the build event stream.
	Log func(string)
}

func (in *DeployInput) log(msg string) {
	if in.Log != nil {
		in.Log(msg)
	}
}

// Deploy uploads secrets, assets, and the worker script. Secrets go first so
// the deployed script never runs without them.
func (c *Client) Deploy(ctx context.Context, in DeployInput) error {
	if !ValidWorkerName(in.WorkerName) {
		return errors.ValidationError("invalid worker name").
			WithContext("worker", in.WorkerName).Build()
	}

	secretVars, plainVars := secrets.Partition(in.EnvVars)
	if len(secretVars) > 0 {
		in.log(fmt.Sprintf("Uploading %d secrets", len(secretVars)))
		if err := c.PutSecrets(ctx, in.Namespace, in.WorkerName, secretVars, in.DraftScript); err != nil {
			return err
		}
	}

	meta := deployMetadata{
		MainModule:         "index.js",
		CompatibilityDate:  compatibilityDate,
		CompatibilityFlags: compatibilityFlags(),
		Bindings:           []binding{},
		Migrations:         in.Migrations,
	}

	// An empty bundle deploys the fixed template as-is: empty bindings, even
	// when plaintext env vars were supplied.
	if len(in.Bundle.Assets) > 0 || len(in.Bundle.Artifacts) > 0 {
		if len(in.Bundle.Assets) > 0 {
			in.log(fmt.Sprintf("Uploading %d static assets", len(in.Bundle.Assets)))
			manifest, contents := buildManifest(in.Bundle.Assets)
			session, err := c.createUploadSession(ctx, in.Namespace, in.WorkerName, manifest)
			if err != nil {
				return err
			}
			completion, err := c.uploadAssets(ctx, session, contents)
			if err != nil {
				return err
			}
			meta.Bindings = append(meta.Bindings, binding{"name": "ASSETS", "type": "assets"})
			meta.Assets = &assetsRef{JWT: completion, Config: map[string]any{}}
		}
		for _, v := range plainVars {
			meta.Bindings = append(meta.Bindings, binding{"type": "plain_text", "name": v.Key, "text": v.Value})
		}
	}

	in.log("Deploying worker script")
	if err := c.putScript(ctx, in.Namespace, in.WorkerName, meta, in.Bundle); err != nil {
		return err
	}
	c.logger.Info("worker deployed", logfields.Slug(in.WorkerName))
	return nil
}

// putScript uploads metadata plus script modules, retrying once with
// filtered migrations on a Durable Object class collision (code 10074).
func (c *Client) putScript(ctx context.Context, namespace, workerName string, meta deployMetadata, bundle ArtifactBundle) error {
	worker := bundle.WorkerScript
	worker.Path = "index.js"
	if worker.MimeType == "" {
		worker.MimeType = moduleMime
	}

	put := func(meta deployMetadata) error {
		build := func() (string, []byte, error) {
			return buildDeployForm(meta, worker, bundle.Artifacts)
		}
		return c.doMultipart(ctx, "deploy_worker", http.MethodPut, c.scriptPath(namespace, workerName), build, nil, nil)
	}

	err := put(meta)
	if apiErr, ok := err.(*APIError); ok && apiErr.Code == codeClassExists {
		if class, found := collidingClass(apiErr.Message); found {
			c.logger.Warn("filtering existing Durable Object class from migrations",
				logfields.Slug(workerName), slog.String("class", class))
			meta.Migrations = filterMigrations(meta.Migrations, class)
			err = put(meta)
		}
	}
	if err != nil {
		return errors.WrapError(err, errors.CategoryDeploy, "deploy worker script").
			WithContext("worker", workerName).Build()
	}
	return nil
}

var classPattern = regexp.MustCompile(`class "([^"]+)"`)

// collidingClass extracts the class name from a 10074 error message.
func collidingClass(message string) (string, bool) {
	m := classPattern.FindStringSubmatch(message)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// filterMigrations strips class from every migration's new_classes and drops
// migrations left empty.
func filterMigrations(migrations []Migration, class string) []Migration {
	out := make([]Migration, 0, len(migrations))
	for _, m := range migrations {
		m.NewClasses = slices.DeleteFunc(slices.Clone(m.NewClasses), func(c string) bool {
			return c == class
		})
		if len(m.NewClasses) == 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// buildDeployForm assembles the multipart deploy body: metadata JSON, the
// worker module as index.js, and artifact files by path.
func buildDeployForm(meta deployMetadata, worker File, artifacts []File) (string, []byte, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", nil, errors.WrapError(err, errors.CategoryDeploy, "encode deploy metadata").Build()
	}
	if err := writeFormFile(form, "metadata", "metadata.json", "application/json", metaJSON); err != nil {
		return "", nil, err
	}

	if err := writeFormFile(form, worker.Path, worker.Path, worker.MimeType, worker.Content); err != nil {
		return "", nil, err
	}
	for _, a := range artifacts {
		mt := a.MimeType
		if mt == "" {
			mt = GuessMime(a.Path)
		}
		if err := writeFormFile(form, a.Path, a.Path, mt, a.Content); err != nil {
			return "", nil, err
		}
	}

	if err := form.Close(); err != nil {
		return "", nil, errors.WrapError(err, errors.CategoryDeploy, "finish deploy form").Build()
	}
	return form.FormDataContentType(), body.Bytes(), nil
}

func writeFormFile(form *multipart.Writer, name, filename, contentType string, content []byte) error {
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, name, filename))
	hdr.Set("Content-Type", contentType)
	part, err := form.CreatePart(hdr)
	if err != nil {
		return errors.WrapError(err, errors.CategoryDeploy, "create form part").Build()
	}
	if _, err := part.Write(content); err != nil {
		return errors.WrapError(err, errors.CategoryDeploy, "write form part").Build()
	}
	return nil
}
