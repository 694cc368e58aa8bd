// Package gateway implements the Gateway Client of spec.md §4.3: a single,
// shared, auto-reconnecting duplex connection to the external execution
// backend over which agents run as remote sessions. Client also implements
// runtime.Provider, so the Lifecycle Manager can use it as a Provider
// exactly like LocalWorktreeProvider.
//
// Framing is JSON envelopes {type, request_id, payload} over
// github.com/gorilla/websocket, grounded on
// codeready-toolchain-tarsy/pkg/api's WSHub (register/unregister/broadcast
// channels feeding a single dispatch loop) generalized from a server-side
// hub fanning out to many clients into a client-side connection fanning
// in/out to many pending RPCs. Reconnect backoff uses only
// cenkalti/backoff/v5's NewExponentialBackOff/NextBackOff, for the same
// version-stability reason documented in pkg/lifecycle.
package gateway
