// Package option provides the generic functional option type shared by the
// connection, listener, session, monitor and traceroute constructors.
package option

// Option configures a value of type T while it is being constructed.
type Option[T any] func(*T)

// Apply runs every option against v in order.
func Apply[T any](v *T, opts ...Option[T]) {
	for _, opt := range opts {
		opt(v)
	}
}
