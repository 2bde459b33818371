// Package rollout deploys application versions to elastic test environments
// through a chain of message-driven stages.
//
// # Architecture
//
// Every stage is a worker consuming one topic of a NATS JetStream stream and
// publishing the enriched payload to the next one:
//
//	github_deploy ─► before_deploy ─┬─► deploy ──┬─► test ─► after_deploy
//	                                 └─► restart ─┘
//
//	every stage ─► pipeline.status ─► db_writer   (deployments table)
//	every stage ─► pipeline.error  ─► error_logger
//
// The stages and the packages they lean on:
//
//   - github_deploy resolves a repository URL to the recipe directories under
//     the deploy home that track it (recipe).
//   - before_deploy waits until every resource of the target environment is
//     Ready, deferring the message with a not-before header while it is busy,
//     and routes restart actions to the restart stage (probe).
//   - deploy, restart and test run shell commands in the recipe directory
//     (executor, processor/base).
//   - after_deploy records when the target was last used in a KV bucket,
//     which the reaper sweeps to terminate idle environments (lastused, reaper).
//   - db_writer keeps one deployment record per application, environment and
//     version, with at most one deployed record per target (storage).
//
// # Delivery
//
// The worker runtime (pipeline) acknowledges a message once its stage returns
// nil, naks it with a delay when its not-before time lies in the future and
// terminates it when the stage fails. Failures that matter to operators are
// published to the error topic by the stages themselves, so a terminated
// message never goes unreported.
//
// # Running
//
//	rollout migrate
//	rollout worker before_deploy --config /etc/rollout.yaml
//	rollout reap
//	rollout publish pipeline.github_deploy '{"url":"adsabs/adsws","tag":"v1.0.2"}'
//
// Configuration is layered: built-in defaults, then a JSON or YAML file, then
// ROLLOUT_* environment variables (see config).
package rollout
