// Package recipe finds the deployment targets that track a source repository.
//
// Targets are described by a directory tree under the deploy home. Any
// directory holding a file named "repository" is a recipe; the file contains
// the URL of the repository the target deploys, the directory name is the
// environment and its parent directory name the application:
//
//	<home>/production/eb-deploy/adsws/repository  ->  eb-deploy / adsws
package recipe

import (
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	giturls "github.com/whilp/git-urls"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/payload"
	"github.com/adsabs/ADSDeploy/pkg/cache"
)

// RepositoryFile is the name of the file marking a recipe directory.
const RepositoryFile = "repository"

// Recipe is one deployable target and the repository it tracks.
type Recipe struct {
	Application string
	Environment string
	Path        string
	Repository  string
}

// Target returns the recipe's deployment target.
func (r Recipe) Target() payload.Target {
	return payload.Target{Application: r.Application, Environment: r.Environment}
}

// Registry reads recipes from a directory tree.
type Registry struct {
	root  string
	cache *cache.TTL[[]Recipe]
}

// Option configures a Registry.
type Option func(*Registry)

// WithCache keeps the result of a walk for the lifetime of c's entries.
func WithCache(c *cache.TTL[[]Recipe]) Option {
	return func(r *Registry) { r.cache = c }
}

// NewRegistry creates a registry rooted at root.
func NewRegistry(root string, opts ...Option) *Registry {
	r := &Registry{root: root}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Root returns the directory the registry walks.
func (r *Registry) Root() string { return r.root }

// Recipes walks the tree and returns every recipe, ordered by path. Hidden
// directories are skipped.
func (r *Registry) Recipes() ([]Recipe, error) {
	if r.cache != nil {
		if recipes, ok := r.cache.Get(r.root); ok {
			return slices.Clone(recipes), nil
		}
	}

	var recipes []Recipe
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != r.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != RepositoryFile {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		dir := filepath.Dir(path)
		recipes = append(recipes, Recipe{
			Application: filepath.Base(filepath.Dir(dir)),
			Environment: filepath.Base(dir),
			Path:        dir,
			Repository:  strings.TrimSpace(string(data)),
		})
		return nil
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "Registry", "Recipes", "walk "+r.root)
	}

	sort.Slice(recipes, func(i, j int) bool { return recipes[i].Path < recipes[j].Path })
	if r.cache != nil {
		_ = r.cache.Set(r.root, slices.Clone(recipes))
	}
	return recipes, nil
}

// Match returns the recipes tracking repo.
func (r *Registry) Match(repo string) ([]Recipe, error) {
	recipes, err := r.Recipes()
	if err != nil {
		return nil, err
	}

	var matched []Recipe
	for _, rc := range recipes {
		if Equivalent(rc.Repository, repo) {
			matched = append(matched, rc)
		}
	}
	return matched, nil
}

// Equivalent reports whether repo refers to the tracked repository. Protocols
// and ".git" suffixes are ignored. When repo carries no host it matches any
// tracked repository whose path ends with it, so "adsabs/adsws" matches
// "https://github.com/adsabs/adsws".
func Equivalent(tracked, repo string) bool {
	th, tp := split(tracked)
	rh, rp := split(repo)
	if tp == "" || rp == "" {
		return false
	}
	if rh != "" && th != "" {
		return th == rh && tp == rp
	}
	if th != "" && th+"/"+tp == rp {
		return true
	}
	return tp == rp || strings.HasSuffix(tp, "/"+rp)
}

func split(raw string) (host, path string) {
	raw = strings.TrimSpace(raw)
	u, err := giturls.Parse(raw)
	if err != nil || u.Scheme == "file" {
		u = &url.URL{Path: raw}
	}
	return strings.ToLower(u.Host), strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
}
