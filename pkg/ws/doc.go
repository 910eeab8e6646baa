// Package ws provides the gorilla/websocket transport for the channel layer.
//
// # Features
//
//   - Conn implements channel.PriorityTransport with separate normal and high priority send queues
//   - Protocol-level ping/pong keepalive with read deadlines
//   - Queued frames are flushed before the close frame is written
//   - Origin same-host check or whitelist
//   - Optional handshake authentication
//   - net/http and gin handlers
//
// # Basic Usage
//
//	manager, err := channel.NewConnectionManager(channel.NewMemoryBackend())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	server, err := ws.NewServer(manager, hooks, ws.DefaultConfig(),
//	    ws.WithAuthenticator(jwtAuth),
//	    ws.WithConsumerOptions(channel.WithPipeline(pipeline)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	r := gin.New()
//	r.GET("/ws", server.GinHandler())
//
// # Graceful Shutdown
//
//	_ = manager.Shutdown(ctx)
//	_ = server.Wait(ctx)
package ws
