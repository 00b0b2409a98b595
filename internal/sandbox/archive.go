package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/kilocode/backplane/internal/foundation/errors"
)

// DefaultChunkSize keeps each chunked read comfortably under the executor's
// per-call response limit once base64 inflation is accounted for.
const DefaultChunkSize = 256 * 1024

// ArchiveFile is one regular file extracted from a directory archive.
type ArchiveFile struct {
	Path string // slash-separated, relative to the archived directory
	Data []byte
}

// ReadDir transfers a whole sandbox directory by packing it into a tarball
// inside the sandbox and streaming it back. Executors with direct streaming
// are used as-is; others fall back to the chunked base64 read.
func ReadDir(ctx context.Context, exec Executor, dir string, excludes []string) ([]ArchiveFile, error) {
	tmp := "/tmp/backplane-" + uuid.NewString() + ".tar.gz"

	cmd := "tar -czf " + shellQuote(tmp)
	for _, ex := range excludes {
		cmd += " --exclude=" + shellQuote(ex)
	}
	cmd += " -C " + shellQuote(dir) + " ."
	if _, err := exec.Run(ctx, cmd, ExecOptions{}); err != nil {
		return nil, errors.WrapError(err, errors.CategoryArchive, "pack directory").
			WithContext("dir", dir).Build()
	}
	defer func() {
		_, _ = exec.Run(ctx, "rm -f "+shellQuote(tmp), ExecOptions{})
	}()

	data, err := ReadWholeFile(ctx, exec, tmp)
	if err != nil {
		return nil, err
	}
	return ExtractTarGz(data)
}

// ReadWholeFile prefers direct streaming and falls back to chunked reads.
func ReadWholeFile(ctx context.Context, exec Executor, path string) ([]byte, error) {
	if fs, ok := exec.(FileStreamer); ok {
		rc, err := fs.StreamFile(ctx, path)
		if err == nil {
			defer rc.Close()
			data, rerr := io.ReadAll(rc)
			if rerr != nil {
				return nil, errors.WrapError(rerr, errors.CategoryArchive, "stream archive").Build()
			}
			return data, nil
		}
		// Fall through to the chunked read.
	}
	return ReadFileChunked(ctx, exec, path, DefaultChunkSize)
}

// ReadFileChunked reads a sandbox file in base64 chunks via dd, working
// around the per-call size limit of the executor's file endpoint.
func ReadFileChunked(ctx context.Context, exec Executor, path string, chunkSize int) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var out bytes.Buffer
	for block := 0; ; block++ {
		cmd := fmt.Sprintf("dd if=%s bs=%d skip=%d count=1 2>/dev/null | base64 | tr -d '\\n'",
			shellQuote(path), chunkSize, block)
		encoded, err := exec.Run(ctx, cmd, ExecOptions{})
		if err != nil {
			return nil, errors.WrapError(err, errors.CategoryArchive, "chunked read").
				WithContext("path", path).WithContext("block", block).Build()
		}
		encoded = strings.TrimSpace(encoded)
		if encoded == "" {
			break
		}
		chunk, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, errors.WrapError(err, errors.CategoryArchive, "decode chunk").
				WithContext("path", path).WithContext("block", block).Build()
		}
		out.Write(chunk)
		if len(chunk) < chunkSize {
			break
		}
	}
	return out.Bytes(), nil
}

// ExtractTarGz unpacks a gzipped tarball into memory. Only regular files are
// kept; paths are normalized to clean, slash-separated relatives.
func ExtractTarGz(data []byte) ([]ArchiveFile, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryArchive, "open gzip stream").Build()
	}
	defer gz.Close()

	var files []ArchiveFile
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WrapError(err, errors.CategoryArchive, "read tar entry").Build()
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if name == "." || name == "" || strings.HasPrefix(name, "..") {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.WrapError(err, errors.CategoryArchive, "read tar file").
				WithContext("name", name).Build()
		}
		files = append(files, ArchiveFile{Path: name, Data: content})
	}
	return files, nil
}
