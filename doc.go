// Package cyxwiz is a peer-to-peer mesh core for embedding in client
// applications.
//
// A Node combines a datagram transport with three layers: a Router that
// delivers payloads hop by hop over unreliable links, a Kademlia-style DHT
// that finds peers and keeps its view of them live, and an onion layer that
// relays payloads through multi-hop encrypted circuits with optional cover
// traffic. Discovery keeps the shared peer table current and talks to an
// optional rendezvous server.
//
// # Getting Started
//
//	if err := cyxwiz.Init(); err != nil {
//	    log.Fatal(err)
//	}
//	defer cyxwiz.Shutdown()
//
//	opts := cyxwiz.NewOptions()
//	opts.Transport.BootstrapAddr = "rendezvous.example.org:33445"
//
//	node, err := cyxwiz.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	node.OnMessage(func(from identity.NodeID, payload []byte) {
//	    fmt.Printf("%s: %s\n", from.Short(), payload)
//	})
//	node.OnAnonymousMessage(func(payload []byte) {
//	    fmt.Printf("anonymous: %s\n", payload)
//	})
//
//	go node.Run(ctx)
//
// # Polling
//
// Nothing in the stack starts goroutines. Run ticks the node from a clock;
// hosts with their own event loop call Tick instead, passing monotonic
// milliseconds such as TimeMs:
//
//	for running {
//	    if err := node.Tick(cyxwiz.TimeMs()); err != nil {
//	        log.Println(err)
//	    }
//	    time.Sleep(node.IterationInterval())
//	}
//
// Tick polls the transport, router, discovery, DHT and onion layer in that
// order. Failures that affect individual deliveries are returned combined
// and never leave a component unusable.
//
// # Errors
//
// Every error wraps one errcode.Code, so callers can test it with errors.Is
// or recover the code with errcode.Of.
//
// # Configuration
//
// NewOptions reads CYXWIZ_HOPS, CYXWIZ_COVER_TRAFFIC, CYXWIZ_TICK_MS,
// CYXWIZ_KEYSTORE and CYXWIZ_LOG_LEVEL, plus the transport variables
// described in package factory. NewOptionsForTesting ignores the environment
// and attaches to an in-memory network.
package cyxwiz
