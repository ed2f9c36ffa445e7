// Package capi is the flat binding surface of the mesh core, shaped for a
// thin cgo or JNI shim.
//
// Every object lives in a typed arena and is referred to by a handle. Each
// kind has its own handle type, so a router handle cannot be passed where a
// DHT handle is expected. Functions return int32 codes from package errcode
// (0 on success) instead of Go errors; output goes through pointer or slice
// arguments.
//
// # Lifecycle
//
//	if rc := capi.Init(); rc != 0 {
//	    return rc
//	}
//	defer capi.Shutdown()
//
//	var tr capi.TransportHandle
//	var peers capi.PeerTableHandle
//	var rt capi.RouterHandle
//	capi.TransportCreate(&tr, "rendezvous.example.org:33445")
//	capi.TransportSetLocalID(tr, id)
//	capi.PeerTableCreate(&peers)
//	capi.RouterCreate(&rt, peers, tr, id)
//	capi.RouterStart(rt)
//
// Create and destroy come in pairs. Destroying a handle twice, or a handle
// that never existed, does nothing. Shutdown destroys everything still
// alive, dependents first.
//
// # Thread Safety
//
// The arenas are safe for concurrent use. The objects behind them follow the
// core's polling model: poll one object from one thread at a time.
package capi
