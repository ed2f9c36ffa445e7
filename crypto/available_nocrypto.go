//go:build nocrypto

package crypto

// Available reports whether this build carries a crypto implementation.
const Available = false
