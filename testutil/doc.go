// Package testutil provides in-memory stand-ins for the broker, the last-used
// key-value store and the command executor, so stage logic can be tested
// without NATS, PostgreSQL or shell scripts.
//
//	broker := testutil.NewMockBroker()
//	rt, _ := pipeline.NewRuntime(config.RoleDeploy, route, broker)
//	stage := deploy.New(rt, testutil.NewMockRunner(), deploy.Config{})
//	_ = stage.Process(ctx, p)
//	status := broker.DecodeOne(t, config.TopicStatus)
//
// MockBroker routes a publish to every queue declared on the same subject and
// honours NakWithDelay, so deferred redelivery can be exercised end to end
// through pipeline.Runtime.Run.
package testutil
