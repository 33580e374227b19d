package backup

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/backapp/backapp/internal/executor"
	"github.com/backapp/backapp/internal/models"
)

func newTree() *executor.MockExecutor {
	m := executor.NewMockExecutor()
	m.AddFile("/srv/game/world.db", "world")
	m.AddFile("/srv/game/server.log", "log")
	m.AddFile("/srv/game/config/settings.yml", "cfg")
	m.AddFile("/srv/game/cache/blob.tmp", "tmp")
	m.AddFile("/srv/game/cache/keep.dat", "keep")
	return m
}

func rels(paths []ResolvedPath) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, p.Rel)
	}
	return out
}

func TestResolvePathsNonRecursive(t *testing.T) {
	ex := newTree()
	got, err := ResolvePaths(context.Background(), ex, models.FileRule{RemotePath: "/srv/game/"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"game/server.log", "game/world.db"}
	if !reflect.DeepEqual(rels(got), want) {
		t.Fatalf("got %v, want %v", rels(got), want)
	}
}

func TestResolvePathsRecursiveWithExcludes(t *testing.T) {
	ex := newTree()
	rule := models.FileRule{RemotePath: "/srv/game", Recursive: true, ExcludePattern: "*.log,cache/*.tmp"}

	first, err := ResolvePaths(context.Background(), ex, rule)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"game/cache/keep.dat", "game/config/settings.yml", "game/world.db"}
	if !reflect.DeepEqual(rels(first), want) {
		t.Fatalf("got %v, want %v", rels(first), want)
	}

	second, err := ResolvePaths(context.Background(), ex, rule)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("resolving an unchanged tree twice must give the same result")
	}
}

func TestResolvePathsPrunesExcludedDirectories(t *testing.T) {
	ex := newTree()
	got, err := ResolvePaths(context.Background(), ex, models.FileRule{RemotePath: "/srv/game", Recursive: true, ExcludePattern: "cache"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, r := range rels(got) {
		if r == "game/cache/keep.dat" || r == "game/cache/blob.tmp" {
			t.Fatalf("excluded directory was walked: %v", rels(got))
		}
	}
}

func TestResolvePathsSingleFile(t *testing.T) {
	ex := newTree()
	got, err := ResolvePaths(context.Background(), ex, models.FileRule{RemotePath: "/srv/game/world.db"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0].Rel != "world.db" || got[0].Size != 5 {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestResolvePathsErrors(t *testing.T) {
	ex := newTree()
	ctx := context.Background()

	if _, err := ResolvePaths(ctx, ex, models.FileRule{RemotePath: "/srv/missing"}); !errors.Is(err, ErrPathResolutionFailed) {
		t.Fatalf("expected ErrPathResolutionFailed, got %v", err)
	}
	if _, err := ResolvePaths(ctx, ex, models.FileRule{RemotePath: "/srv/game/world.db/"}); !errors.Is(err, ErrPathResolutionFailed) {
		t.Fatalf("trailing slash on a file must fail, got %v", err)
	}
	if _, err := ResolvePaths(ctx, ex, models.FileRule{RemotePath: "  "}); !errors.Is(err, ErrPathResolutionFailed) {
		t.Fatalf("empty path must fail, got %v", err)
	}
}
