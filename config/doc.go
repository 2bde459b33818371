// Package config loads the rollout configuration.
//
// Configuration is built in layers: compiled-in defaults, then each file added
// with AddLayer (JSON or YAML, validated against an embedded JSON schema), then
// ROLLOUT_* environment overrides. The merged result is validated once.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/rollout/base.yaml")
//	loader.AddLayer("/etc/rollout/production.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//	route, err := cfg.Route(config.RoleDeploy)
//
// Worker routes are static for the lifetime of a process.
package config
