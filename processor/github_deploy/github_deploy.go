// Package githubdeploy turns a repository push or release into a deployment
// request for the target that tracks the repository.
package githubdeploy

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/payload"
	"github.com/adsabs/ADSDeploy/pipeline"
	"github.com/adsabs/ADSDeploy/recipe"
)

// Resolver finds the recipes tracking a repository.
type Resolver interface {
	Match(repo string) ([]recipe.Recipe, error)
}

// Processor is the target resolution stage.
type Processor struct {
	pub                pipeline.Publisher
	resolver           Resolver
	defaultApplication string
	logger             *slog.Logger
}

// New creates the stage. defaultApplication breaks ties when a repository is
// tracked by several targets and the request names no application.
func New(pub pipeline.Publisher, resolver Resolver, defaultApplication string, logger *slog.Logger) (*Processor, error) {
	if pub == nil || resolver == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "GithubDeploy", "New", "publisher and resolver required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{pub: pub, resolver: resolver, defaultApplication: defaultApplication, logger: logger}, nil
}

// Process resolves the request's url to a single target and forwards a
// deployment request for it.
func (p *Processor) Process(ctx context.Context, in *payload.Payload) error {
	if in.URL == "" {
		return errors.MissingField("GithubDeploy", "Process", "url")
	}

	candidates, err := p.resolver.Match(in.URL)
	if err != nil {
		return err
	}

	chosen, err := p.choose(in, candidates)
	if err != nil {
		out := in.Clone()
		out.Err = "unresolvable target"
		if errors.Is(err, errors.ErrAmbiguousTarget) {
			out.Err = "ambiguous target"
		}
		out.SetMsg(err.Error())
		p.logger.Warn("Cannot resolve target", "url", in.URL, "candidates", len(candidates), "error", err)

		pubErr := p.pub.PublishToError(ctx, out)
		if errors.IsFatal(err) {
			return stderrors.Join(err, pubErr)
		}
		return pubErr
	}

	out := &payload.Payload{
		Application: chosen.Application,
		Environment: chosen.Environment,
		Version:     version(in),
		Path:        chosen.Path,
		Action:      in.Action,
	}
	p.logger.Info("Resolved target", "url", in.URL, "target", chosen.Target().String(), "version", out.Version)
	return p.pub.Publish(ctx, out)
}

func (p *Processor) choose(in *payload.Payload, candidates []recipe.Recipe) (recipe.Recipe, error) {
	switch len(candidates) {
	case 0:
		return recipe.Recipe{}, errors.WrapInvalid(fmt.Errorf("%w: no recipe tracks %s", errors.ErrUnresolvableTarget, in.URL),
			"GithubDeploy", "Process", "resolve target")
	case 1:
		return candidates[0], nil
	}

	application := in.Application
	if application == "" {
		application = p.defaultApplication
	}

	var filtered []recipe.Recipe
	for _, c := range candidates {
		if c.Application == application {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 1 {
		return filtered[0], nil
	}

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Target().String()
	}
	return recipe.Recipe{}, errors.WrapFatal(
		fmt.Errorf("%w: %s is tracked by %s; set application", errors.ErrAmbiguousTarget, in.URL, strings.Join(names, ", ")),
		"GithubDeploy", "Process", "resolve target")
}

// version prefers a release tag over the commit it points at.
func version(in *payload.Payload) string {
	switch {
	case in.Tag != "":
		return in.Tag
	case in.Commit != "":
		return in.Commit
	default:
		return in.Version
	}
}
