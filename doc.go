// Package lambdabridge is a custom runtime for function hosts that speak the
// Lambda runtime API.
//
// A runtime process polls the invocation broker for one event at a time,
// dispatches it to a handler under deadline preemption and reports the
// result. The handler is chosen once at start-up from BRIDGE_RUNTIME:
//
//   - function: a Go function registered with Register, looked up by _HANDLER
//   - http: API Gateway and ALB events proxied over FastCGI to a php-fpm
//     worker started by the runtime
//   - console: one command run per event
//
// The process exits after BRIDGE_LOOP_MAX events or after any failed
// invocation, and the host starts a fresh one.
//
// A function runtime is a main package that registers its handlers and
// calls Start:
//
//	func main() {
//		lambdabridge.Register("orders.create", createOrder)
//		lambdabridge.Start()
//	}
package lambdabridge
