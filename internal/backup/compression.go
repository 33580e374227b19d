package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/backapp/backapp/internal/executor"
	"github.com/backapp/backapp/internal/models"
)

// Artifact is a local file ready to be written to storage
type Artifact struct {
	Name string // file name inside the run directory
	Path string
	Size int64
}

// Compressor builds archives on the machine running the service. Remote
// files are streamed through the executor, so compression never runs on
// the source server regardless of the storage type.
type Compressor struct {
	TempDir  string
	SevenZip string
}

// NewCompressor creates a compressor writing temporary files to tempDir
func NewCompressor(tempDir, sevenZip string) *Compressor {
	if sevenZip == "" {
		sevenZip = "7z"
	}
	return &Compressor{TempDir: tempDir, SevenZip: sevenZip}
}

// ArchiveExtension returns the file extension for a rule's archive format
func ArchiveExtension(format string) string {
	if format == models.FormatZip {
		return ".zip"
	}
	return ".7z"
}

// Compress packs files into a single archive named name plus the format's
// extension. The caller removes the artifact with Discard.
func (c *Compressor) Compress(ctx context.Context, ex executor.Executor, rule models.FileRule, files []ResolvedPath, name string) (*Artifact, error) {
	if err := os.MkdirAll(c.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: temp dir: %v", ErrCompressionFailed, err)
	}

	archiveName := name + ArchiveExtension(rule.CompressFormat)
	archivePath := filepath.Join(c.TempDir, uuid.New().String()+ArchiveExtension(rule.CompressFormat))

	var err error
	if rule.CompressFormat == models.FormatZip {
		err = c.writeZip(ctx, ex, files, archivePath)
	} else {
		err = c.write7z(ctx, ex, files, archivePath, rule.CompressPassword)
	}
	if err != nil {
		os.Remove(archivePath)
		return nil, err
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
	}
	return &Artifact{Name: archiveName, Path: archivePath, Size: info.Size()}, nil
}

// Discard removes a temporary artifact
func (c *Compressor) Discard(a *Artifact) {
	if a == nil {
		return
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Compress] Failed to remove temp archive %s: %v", a.Path, err)
	}
}

func (c *Compressor) writeZip(ctx context.Context, ex executor.Executor, files []ResolvedPath, archivePath string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCompressionFailed, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	for _, f := range files {
		header := &zip.FileHeader{
			Name:     f.Rel,
			Method:   zip.Deflate,
			Modified: f.ModTime,
		}
		w, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCompressionFailed, f.Rel, err)
		}
		if err := copyRemote(ctx, ex, f.Source, w); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrCompressionFailed, err)
	}
	return out.Sync()
}

func (c *Compressor) write7z(ctx context.Context, ex executor.Executor, files []ResolvedPath, archivePath, password string) error {
	staging := filepath.Join(c.TempDir, "stage-"+uuid.New().String())
	if err := os.MkdirAll(staging, 0700); err != nil {
		return fmt.Errorf("%w: %v", ErrCompressionFailed, err)
	}
	defer os.RemoveAll(staging)

	for _, f := range files {
		dst := filepath.Join(staging, filepath.FromSlash(f.Rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
			return fmt.Errorf("%w: %v", ErrCompressionFailed, err)
		}
		out, err := os.Create(dst)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCompressionFailed, err)
		}
		err = copyRemote(ctx, ex, f.Source, out)
		out.Close()
		if err != nil {
			return err
		}
	}

	args := sevenZipArgs(archivePath, password)
	cmd := exec.CommandContext(ctx, c.SevenZip, args...)
	cmd.Dir = staging
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: 7z: %v: %s", ErrCompressionFailed, err, lastLines(output.String(), 5))
	}
	return nil
}

// sevenZipArgs builds the 7z command line. A password also encrypts headers.
func sevenZipArgs(archivePath, password string) []string {
	args := []string{"a", "-t7z", "-mx=9", "-y"}
	if password != "" {
		args = append(args, "-mhe=on", "-p"+password)
	}
	return append(args, archivePath, ".")
}

func copyRemote(ctx context.Context, ex executor.Executor, src string, dst io.Writer) error {
	rc, err := ex.Open(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: open %s: %v", ErrTransferFailed, src, err)
	}
	defer rc.Close()

	if _, err := io.Copy(dst, rc); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: read %s: %v", ErrTransferFailed, src, err)
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
