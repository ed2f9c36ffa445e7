// Package crypto implements the cryptographic primitives cyxwiz needs for
// onion circuits.
//
// # Crypto Context
//
// All key operations go through an explicit [Context] obtained from [Init]
// and released with [Context.Shutdown]. Builds tagged nocrypto provide no
// implementation and Init reports errcode.CryptoUnavailable, which lets the
// onion layer fall back to its unavailable variant.
//
//	cctx, err := crypto.Init(crypto.Options{})
//	if err != nil {
//	    return err
//	}
//	defer cctx.Shutdown()
//
// # Key Generation
//
// Onion identities are X25519 key pairs generated with NaCl box:
//
//	kp, err := cctx.GenerateKeyPair()
//	defer crypto.WipeKeyPair(kp)
//
// Peer keys received from the network must pass [ValidatePublicKey], which
// rejects the zero key and low-order points.
//
// # Hop Handshake
//
// Each circuit hop runs a one round trip Noise NK handshake
// (Noise_NK_25519_ChaChaPoly_BLAKE2s): the circuit origin knows the hop's
// static key, the hop learns nothing about the origin. Both sides end with a
// [HopKeys] pair of ChaCha20-Poly1305 ciphers, one per direction, used with
// explicit 64-bit nonces so cells may arrive out of order.
//
//	init, msg1, err := cctx.NewInitiator(hopPublicKey)
//	msg2, hopKeys, err := cctx.Respond(hopIdentity, msg1)   // on the hop
//	originKeys, err := init.Finish(msg2)                    // on the origin
//
// # Secure Memory
//
// [SecureWipe] and [ZeroBytes] overwrite key material once it is no longer
// needed.
package crypto
