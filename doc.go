// Package jute runs Jupyter kernels and talks to them over the kernel wire
// protocol.
//
// jute is split into small packages that can be used on their own:
//
//   - kernelspec: discover installed kernel.json specs
//   - wire: protocol messages, multipart framing and HMAC signing
//   - session: the five ZeroMQ sockets of one kernel, plus heartbeat probing
//   - router: correlate replies and output with the request that caused them
//   - kernel: launch, supervise, interrupt and shut down kernels
//   - config: load engine settings from YAML, TOML or JSON
//   - kerneltest: an in-process fake kernel for tests
//
// # Quick Start
//
// Start a kernel and run code:
//
//	import "github.com/jlaneve/jute/kernel"
//	m, _ := kernel.NewManager()
//	defer m.Close(ctx)
//
//	k, _ := m.Start(ctx, "python3")
//	ch, _ := k.Execute(ctx, "print(1 + 1)")
//	for ev := range ch.C() {
//	    switch ev := ev.(type) {
//	    case router.TextOutput:
//	        fmt.Print(ev.Text)
//	    case router.Error:
//	        fmt.Println(ev)
//	    }
//	}
//
// List kernel specs:
//
//	import "github.com/jlaneve/jute/kernelspec"
//	specs, _ := kernelspec.NewCatalog(kernelspec.DefaultPaths()...).List()
//
// Every request gets its own event channel. Output arrives in the order the
// kernel sent it, and a channel finishes only once the kernel has both
// replied and gone idle. When a kernel dies, every open channel receives a
// final router.Disconnect event.
package jute
