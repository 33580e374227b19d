package backup

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/backapp/backapp/internal/executor"
	"github.com/backapp/backapp/internal/models"
)

// ResolvedPath is a remote file selected by a file rule
type ResolvedPath struct {
	Source  string // absolute remote path
	Rel     string // path inside the run directory, rooted at the rule's basename
	Size    int64
	ModTime time.Time
}

// ResolvePaths expands a file rule into the remote files it selects.
//
// A path naming a file resolves to that file. A path naming a directory
// resolves to its direct files, or, when the rule is recursive, to every
// file found by a breadth-first walk. Exclude patterns are checked against
// each entry's path relative to the rule root, and excluded directories are
// pruned. A trailing "/" requires the path to be a directory. The result is
// sorted by Rel, so an unchanged tree always resolves to the same list.
func ResolvePaths(ctx context.Context, ex executor.Executor, rule models.FileRule) ([]ResolvedPath, error) {
	raw := strings.TrimSpace(rule.RemotePath)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty remote path", ErrPathResolutionFailed)
	}
	wantDir := strings.HasSuffix(raw, "/") && raw != "/"
	root := path.Clean(raw)

	info, err := ex.Stat(ctx, root)
	if err != nil {
		return nil, resolveErr(ctx, root, err)
	}

	rootName := path.Base(root)
	if root == "/" {
		rootName = "root"
	}

	if !info.IsDir {
		if wantDir {
			return nil, fmt.Errorf("%w: %s is not a directory", ErrPathResolutionFailed, root)
		}
		return []ResolvedPath{{Source: root, Rel: rootName, Size: info.Size, ModTime: info.ModTime}}, nil
	}

	excludes := ParseExclude(rule.ExcludePattern)

	var resolved []ResolvedPath
	type pending struct {
		dir string
		rel string
	}
	queue := []pending{{dir: root, rel: ""}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		entries, err := ex.ReadDir(ctx, current.dir)
		if err != nil {
			return nil, resolveErr(ctx, current.dir, err)
		}

		for _, entry := range entries {
			rel := path.Join(current.rel, entry.Name)
			if excludes.Match(rel) {
				continue
			}
			if entry.IsDir {
				if rule.Recursive {
					queue = append(queue, pending{dir: entry.Path, rel: rel})
				}
				continue
			}
			resolved = append(resolved, ResolvedPath{
				Source:  entry.Path,
				Rel:     path.Join(rootName, rel),
				Size:    entry.Size,
				ModTime: entry.ModTime,
			})
		}
	}

	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Rel < resolved[j].Rel })
	return resolved, nil
}

func resolveErr(ctx context.Context, p string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, executor.ErrNotExist) {
		return fmt.Errorf("%w: %s does not exist", ErrPathResolutionFailed, p)
	}
	return fmt.Errorf("%w: %s: %v", ErrPathResolutionFailed, p, err)
}
