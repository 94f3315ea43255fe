// Package session holds the ZeroMQ connection to one running kernel.
//
// A Session owns four message sockets:
//
//	shell    DEALER  requests and their replies
//	control  DEALER  shutdown and interrupt, served ahead of shell
//	iopub    SUB     broadcast side effects (streams, results, status)
//	stdin    DEALER  input requests from the kernel
//
// The DEALER sockets share one identity, the session id, so the kernel can
// route stdin requests back to the client that sent the execute request.
//
// # Basic Usage
//
//	codec, _ := wire.NewCodec(wire.DefaultScheme, key)
//	sess, err := session.Connect(ctx, endpoints, codec,
//	    session.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	defer sess.Close()
//
//	sess.Start(handler) // one reader goroutine per socket
//
//	msg, _ := wire.New(wire.MsgKernelInfoRequest, nil)
//	err = sess.Send(ctx, wire.Shell, msg)
//
// Every inbound message is decoded and its signature verified before the
// handler sees it. Messages that fail verification are logged and dropped.
//
// # Heartbeat
//
// Heartbeat probes the kernel's echo socket on a fixed interval and calls
// its onDead callback exactly once after too many consecutive failures:
//
//	hb := session.NewHeartbeat(endpoints.Heartbeat, func(err error) {
//	    log.Printf("kernel died: %v", err)
//	})
//	hb.Start(ctx)
//	defer hb.Stop()
//
//	if err := hb.WaitFirst(ctx); err != nil {
//	    return err
//	}
package session
