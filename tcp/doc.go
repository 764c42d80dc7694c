// Package tcp implements the TCP passive-open handshake engine and
// established-connection control block on top of a pluggable L3Endpoint,
// together with the RFC 793 wire header codec, congestion-control
// capability, and Karn/Jacobson RTO estimator they share.
package tcp
