// Package log provides corvee's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Construct one logger at process start
// and pass it down; components tag their own copies via WithComponent.
//
//	l, _ := log.ApplyConfig(&log.Config{Level: "info", Format: "text"})
//	l = l.WithComponent("distributor")
//	l.Info("task claimed", log.Str("owner", owner), log.Int("page", page))
package log
