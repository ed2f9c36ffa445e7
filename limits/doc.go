// Package limits provides centralized size constants and validation functions
// for the cyxwiz wire formats.
//
// # Size Hierarchy
//
//   - MaxDatagram (1400 bytes): the largest UDP datagram, chosen to stay under
//     common path MTUs.
//
//   - MaxRouterPayload (1200 bytes): the opaque payload a routed frame may carry
//     after the transport and router headers.
//
//   - MaxOnionPayload (512 bytes): the application payload of one onion cell. Every
//     relay command is padded to OnionCommandArea so cells of one circuit are the
//     same size on the wire.
//
// # Validation Functions
//
//	if err := limits.ValidateRouterPayload(payload); err != nil {
//	    return fmt.Errorf("%w: %v", errcode.InvalidArgument, err)
//	}
package limits
