package provider

import (
	"context"
	"net/http"
	"sync"

	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/logfields"
	"github.com/kilocode/backplane/internal/secrets"
)

// secretBatchSize bounds concurrent secret PUTs.
const secretBatchSize = 5

type secretBody struct {
	Name string `json:"name"`
	Text string `json:"text"`
	Type string `json:"type"`
}

// PutSecrets uploads secret env vars in parallel batches. When the provider
// reports the worker missing (code 10007), a minimal draft script is deployed
// once and the failed secrets are retried.
func (c *Client) PutSecrets(ctx context.Context, namespace, workerName string, secretVars []secrets.EnvVar, draftScript []byte) error {
	if len(secretVars) == 0 {
		return nil
	}

	var draftOnce sync.Once
	var draftErr error
	ensureDraft := func() error {
		draftOnce.Do(func() {
			c.logger.Info("worker missing, deploying draft before secrets",
				logfields.Slug(workerName))
			draftErr = c.deployDraft(ctx, namespace, workerName, draftScript)
		})
		return draftErr
	}

	putOne := func(v secrets.EnvVar) error {
		body := secretBody{Name: v.Key, Text: v.Value, Type: "secret_text"}
		err := c.doJSON(ctx, "put_secret", http.MethodPut, c.scriptPath(namespace, workerName)+"/secrets", body, nil)
		if apiErr, ok := err.(*APIError); ok && apiErr.Code == codeScriptNotFound {
			if derr := ensureDraft(); derr != nil {
				return derr
			}
			err = c.doJSON(ctx, "put_secret", http.MethodPut, c.scriptPath(namespace, workerName)+"/secrets", body, nil)
		}
		if err != nil {
			return errors.WrapError(err, errors.CategoryProvider, "upload secret").
				WithContext("key", v.Key).Build()
		}
		return nil
	}

	for start := 0; start < len(secretVars); start += secretBatchSize {
		end := min(start+secretBatchSize, len(secretVars))
		batch := secretVars[start:end]

		errs := make([]error, len(batch))
		var wg sync.WaitGroup
		for i, v := range batch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = putOne(v)
			}()
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// deployDraft uploads the minimal placeholder worker so secrets have a
// script to attach to.
func (c *Client) deployDraft(ctx context.Context, namespace, workerName string, draftScript []byte) error {
	meta := deployMetadata{
		MainModule:         "index.js",
		CompatibilityDate:  compatibilityDate,
		CompatibilityFlags: compatibilityFlags(),
		Bindings:           []binding{},
	}
	build := func() (string, []byte, error) {
		return buildDeployForm(meta, File{Path: "index.js", Content: draftScript, MimeType: moduleMime}, nil)
	}
	if err := c.doMultipart(ctx, "deploy_draft", http.MethodPut, c.scriptPath(namespace, workerName), build, nil, nil); err != nil {
		return errors.WrapError(err, errors.CategoryProvider, "deploy draft worker").
			WithContext("worker", workerName).Build()
	}
	return nil
}
