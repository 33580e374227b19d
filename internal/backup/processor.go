package backup

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/backapp/backapp/internal/executor"
	"github.com/backapp/backapp/internal/models"
)

// RuleOutcome is the result of processing one file rule
type RuleOutcome struct {
	Rule  models.FileRule
	Files []models.BackupFile
	Err   error
}

// FileSink records an artifact as soon as it is written
type FileSink func(rule models.FileRule, file *models.BackupFile) error

// Processor resolves, optionally compresses and writes a profile's file
// rules on a bounded pool of workers
type Processor struct {
	compressor *Compressor
	workers    int
}

// NewProcessor creates a processor running at most workers rules at once
func NewProcessor(compressor *Compressor, workers int) *Processor {
	if workers < 1 {
		workers = 1
	}
	return &Processor{compressor: compressor, workers: workers}
}

// ProcessRules runs every rule and returns one outcome per rule in rule
// order. A rule's failure never stops the others.
func (p *Processor) ProcessRules(ctx context.Context, ex executor.Executor, w *StorageWriter, rules []models.FileRule, sink FileSink, rl *RunLogger) []RuleOutcome {
	outcomes := make([]RuleOutcome, len(rules))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, rule := range rules {
		g.Go(func() error {
			rl.Info(StageTransfer, "Processing %s", rule.RemotePath)
			files, err := p.processRule(ctx, ex, w, rule, sink)
			outcomes[i] = RuleOutcome{Rule: rule, Files: files, Err: err}
			if err != nil {
				rl.Error(StageTransfer, "File rule %s failed: %v", rule.RemotePath, err)
			} else {
				rl.Info(StageTransfer, "File rule %s completed: %d file(s)", rule.RemotePath, len(files))
			}
			return nil
		})
	}
	g.Wait()
	return outcomes
}

func (p *Processor) processRule(ctx context.Context, ex executor.Executor, w *StorageWriter, rule models.FileRule, sink FileSink) ([]models.BackupFile, error) {
	rule.Normalize()

	resolved, err := ResolvePaths(ctx, ex, rule)
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return nil, nil
	}

	rootName := strings.SplitN(resolved[0].Rel, "/", 2)[0]

	if rule.Compress {
		ext := ArchiveExtension(rule.CompressFormat)
		archiveName := w.Reserve(rootName + ext)
		artifact, err := p.compressor.Compress(ctx, ex, rule, resolved, strings.TrimSuffix(archiveName, ext))
		if err != nil {
			return nil, err
		}
		defer p.compressor.Discard(artifact)

		file, err := w.WriteArtifact(ctx, artifact)
		if err != nil {
			return nil, err
		}
		file.RemotePath = rule.RemotePath
		if err := sink(rule, file); err != nil {
			return nil, err
		}
		return []models.BackupFile{*file}, nil
	}

	root := w.Reserve(rootName)
	var written []models.BackupFile
	for _, rp := range resolved {
		name := root + strings.TrimPrefix(rp.Rel, rootName)
		file, err := p.transfer(ctx, ex, w, rp, name)
		if err != nil {
			return written, err
		}
		if err := sink(rule, file); err != nil {
			return written, err
		}
		written = append(written, *file)
	}
	return written, nil
}

func (p *Processor) transfer(ctx context.Context, ex executor.Executor, w *StorageWriter, rp ResolvedPath, name string) (*models.BackupFile, error) {
	rc, err := ex.Open(ctx, rp.Source)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrTransferFailed, rp.Source, err)
	}
	defer rc.Close()

	file, err := w.WriteStream(ctx, name, rc, rp.Size)
	if err != nil {
		return nil, err
	}
	file.RemotePath = rp.Source
	return file, nil
}
