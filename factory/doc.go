// Package factory builds the datagram transport a node runs on.
//
// A factory holds a TransportConfig and creates either a real UDP transport
// or, in simulation mode, an endpoint on an in-memory network. Consumers only
// see transport.Transport, so the same node code runs against both.
//
// # Configuration
//
// Defaults can be overridden from the environment:
//   - CYXWIZ_USE_SIMULATION: "true" or "false" to attach to an in-memory network
//   - CYXWIZ_LISTEN: UDP listen address, host:port
//   - CYXWIZ_BOOTSTRAP: rendezvous address, host:port
//
// # Usage
//
//	f := factory.NewTransportFactory()
//	tr, err := f.CreateTransport(localID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Close()
//
// Tests share one MemNetwork between several nodes:
//
//	network := transport.NewMemNetwork()
//	f := factory.NewTransportFactory()
//	f.SwitchToSimulation(network)
//	a, _ := f.CreateTransport(idA)
//	b, _ := f.CreateTransport(idB)
//	network.Link(idA, idB)
package factory
