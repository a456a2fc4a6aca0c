package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"

	storagedriver "github.com/stowage/stowage/registry/storage/driver"
)

// errFinishedWalk signals an early exit to the walk when the current query
// is satisfied.
var errFinishedWalk = errors.New("finished walk")

// Repositories returns a lexigraphically sorted catalog given a prefix,
// limit and a last entry. The entries are repository fully-qualified names,
// and io.EOF indicates the catalog has been walked to the end.
func (reg *registry) Repositories(ctx context.Context, repos []string, last string) (n int, err error) {
	var finishedWalk bool
	var foundRepos []string

	if len(repos) == 0 {
		return 0, errors.New("no space in slice")
	}

	err = reg.enumerateRepositories(ctx, func(repoPath string) error {
		// lex order after last
		if lessPath(last, repoPath) {
			foundRepos = append(foundRepos, repoPath)
		}

		if len(foundRepos) == len(repos) {
			finishedWalk = true
			return errFinishedWalk
		}

		return nil
	})

	n = copy(repos, foundRepos)

	if err == errFinishedWalk {
		// The walk was cut short because the buffer filled; more records
		// may remain, so this is not EOF.
		err = nil
	} else if err != nil {
		return n, err
	}

	if !finishedWalk {
		// We didn't fill buffer. No more records are available.
		err = io.EOF
	}

	return n, err
}

// Enumerate applies ingester to each repository
func (reg *registry) Enumerate(ctx context.Context, ingester func(string) error) error {
	return reg.enumerateRepositories(ctx, ingester)
}

// enumerateRepositories walks the repositories directory, calling fn with
// each discovered repository name in lexical order. A directory is a
// repository iff it has a "_manifests" child; repository names may nest, so
// the walk continues into children that are not markers themselves.
func (reg *registry) enumerateRepositories(ctx context.Context, fn func(repoPath string) error) error {
	return reg.enumerateMarkedRepositories(ctx, "_manifests", fn)
}

// enumerateLayeredRepositories is the same walk keyed on the "_layers"
// marker. A repository that has only ever received blobs has no "_manifests"
// directory, but its layer links still pin blob content and must be visible
// to reference counting.
func (reg *registry) enumerateLayeredRepositories(ctx context.Context, fn func(repoPath string) error) error {
	return reg.enumerateMarkedRepositories(ctx, "_layers", fn)
}

func (reg *registry) enumerateMarkedRepositories(ctx context.Context, marker string, fn func(repoPath string) error) error {
	root, err := pathFor(repositoriesRootPathSpec{})
	if err != nil {
		return err
	}

	err = reg.getRepositories(ctx, root, root, marker, fn)
	if err != nil {
		var pathNotFound storagedriver.PathNotFoundError
		if errors.As(err, &pathNotFound) {
			// No repositories have been created yet.
			return nil
		}
	}
	return err
}

func (reg *registry) getRepositories(ctx context.Context, root, dir, marker string, fn func(repoPath string) error) error {
	children, err := reg.driver.List(ctx, dir)
	if err != nil {
		return err
	}
	sort.Strings(children)

	isRepo := false
	var subDirs []string
	for _, child := range children {
		base := path.Base(child)
		if strings.HasPrefix(base, "_") {
			if base == marker {
				isRepo = true
			}
			// marker directories never contain repositories
			continue
		}
		subDirs = append(subDirs, child)
	}

	if isRepo {
		repoPath := strings.TrimPrefix(strings.TrimPrefix(dir, root), "/")
		if err := fn(repoPath); err != nil {
			return err
		}
	}

	for _, subDir := range subDirs {
		fileInfo, err := reg.driver.Stat(ctx, subDir)
		if err != nil {
			var pathNotFound storagedriver.PathNotFoundError
			if errors.As(err, &pathNotFound) {
				continue
			}
			return err
		}
		if !fileInfo.IsDir() {
			continue
		}
		if err := reg.getRepositories(ctx, root, subDir, marker, fn); err != nil {
			return err
		}
	}

	return nil
}

// lessPath returns true if one path is lexically smaller than the other,
// comparing component-wise so that "a/b" sorts before "ab".
func lessPath(a, b string) bool {
	// simpler than ascii comparison
	aPath := strings.Split(a, "/")
	bPath := strings.Split(b, "/")

	for index := 0; index < len(aPath) && index < len(bPath); index++ {
		aCur := aPath[index]
		bCur := bPath[index]
		if aCur != bCur {
			return aCur < bCur
		}
	}

	return len(aPath) < len(bPath)
}
