package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/logfields"
)

// assetHashLen is the manifest hash length: a 32-hex-character prefix of the
// content SHA-256.
const assetHashLen = 32

type manifestEntry struct {
	Hash string `json:"hash"`
	Size int    `json:"size"`
}

type assetContent struct {
	data []byte
	mime string
}

// assetHash returns the truncated content hash used by the upload protocol.
func assetHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:assetHashLen]
}

// buildManifest computes the upload manifest and the hash-addressed content
// map. Paths are normalized to begin with "/".
func buildManifest(assets []File) (map[string]manifestEntry, map[string]assetContent) {
	manifest := make(map[string]manifestEntry, len(assets))
	contents := make(map[string]assetContent, len(assets))
	for _, a := range assets {
		p := a.Path
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		h := assetHash(a.Content)
		manifest[p] = manifestEntry{Hash: h, Size: len(a.Content)}
		mt := a.MimeType
		if mt == "" {
			mt = GuessMime(a.Path)
		}
		contents[h] = assetContent{data: a.Content, mime: mt}
	}
	return manifest, contents
}

type uploadSession struct {
	JWT     string     `json:"jwt"`
	Buckets [][]string `json:"buckets"`
}

// createUploadSession posts the manifest; the provider answers with a session
// token and the buckets of hashes it does not already have.
func (c *Client) createUploadSession(ctx context.Context, namespace, workerName string, manifest map[string]manifestEntry) (*uploadSession, error) {
	var session uploadSession
	body := map[string]any{"manifest": manifest}
	path := c.scriptPath(namespace, workerName) + "/assets-upload-session"
	if err := c.doJSON(ctx, "assets_upload_session", http.MethodPost, path, body, &session); err != nil {
		return nil, errors.WrapError(err, errors.CategoryProvider, "create asset upload session").
			WithContext("worker", workerName).Build()
	}
	return &session, nil
}

// uploadAssets pushes every bucket the provider asked for and returns the
// completion token. An empty bucket list means full deduplication: the
// session token doubles as the completion token.
func (c *Client) uploadAssets(ctx context.Context, session *uploadSession, contents map[string]assetContent) (string, error) {
	if len(session.Buckets) == 0 {
		c.logger.Debug("all assets deduplicated by provider")
		return session.JWT, nil
	}

	completion := ""
	for i, bucket := range session.Buckets {
		jwt, err := c.uploadBucket(ctx, session.JWT, bucket, contents)
		if err != nil {
			return "", errors.WrapError(err, errors.CategoryProvider, "upload asset bucket").
				WithContext("bucket", i).Build()
		}
		if jwt != "" {
			completion = jwt
		}
	}
	if completion == "" {
		return "", errors.ProviderError("asset upload finished without a completion token").Build()
	}
	return completion, nil
}

// uploadBucket posts one multipart batch. Each part is named by the asset
// hash and carries the base64 of its bytes. A 201 response carries the
// completion token; 200 means more batches remain.
func (c *Client) uploadBucket(ctx context.Context, sessionJWT string, bucket []string, contents map[string]assetContent) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	for _, hash := range bucket {
		content, ok := contents[hash]
		if !ok {
			return "", errors.ProviderError("provider requested an unknown asset hash").
				WithContext("hash", hash).Build()
		}
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, hash, hash))
		hdr.Set("Content-Type", content.mime)
		part, err := form.CreatePart(hdr)
		if err != nil {
			return "", errors.WrapError(err, errors.CategoryProvider, "build upload form").Build()
		}
		if _, err := part.Write([]byte(base64.StdEncoding.EncodeToString(content.data))); err != nil {
			return "", errors.WrapError(err, errors.CategoryProvider, "write upload part").Build()
		}
	}
	if err := form.Close(); err != nil {
		return "", errors.WrapError(err, errors.CategoryProvider, "finish upload form").Build()
	}

	var result struct {
		JWT string `json:"jwt"`
	}
	var status int
	err := c.withRetry(ctx, "upload_assets", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/workers/assets/upload?base64=true", bytes.NewReader(body.Bytes()))
		if err != nil {
			return errors.WrapError(err, errors.CategoryProvider, "build upload request").Build()
		}
		req.Header.Set("Content-Type", form.FormDataContentType())
		// The upload endpoint authenticates with the session token.
		req.Header.Set("Authorization", "Bearer "+sessionJWT)
		return c.execute(req, &result, &status)
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug("asset bucket uploaded",
		logfields.Count(len(bucket)), logfields.StatusCode(status))
	if status == http.StatusCreated {
		return result.JWT, nil
	}
	return "", nil
}
