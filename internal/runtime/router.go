package runtime

import (
	"sync"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
)

// RouterOption configures a Router or its inclusion into a Broker.
type RouterOption func(*routerOptions)

type routerOptions struct {
	prefix      string
	middlewares []Middleware
}

// WithPrefix prepends prefix to every subscription key and publisher
// destination of the router.
func WithPrefix(prefix string) RouterOption {
	return func(o *routerOptions) {
		o.prefix += prefix
	}
}

// WithRouterMiddlewares wraps every subscriber and publisher of the router.
func WithRouterMiddlewares(mws ...Middleware) RouterOption {
	return func(o *routerOptions) {
		o.middlewares = append(o.middlewares, mws...)
	}
}

// Router groups declarations so they can be included into a Broker as a unit.
type Router struct {
	opts routerOptions

	mu          sync.Mutex
	subscribers []*Subscriber
	publishers  []*Publisher
	included    bool
}

// NewRouter returns an empty router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{}
	for _, opt := range opts {
		opt(&r.opts)
	}
	return r
}

// Subscriber declares a subscriber on the router.
func (r *Router) Subscriber(source Source, handler Handler, opts ...SubscriberOption) (*Subscriber, error) {
	sub, err := newSubscriber(source, handler, opts...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.included {
		return nil, errspkg.ErrRouterIncluded
	}
	r.subscribers = append(r.subscribers, sub)
	return sub, nil
}

// Publisher declares a publisher on the router. It can publish once the
// router was included into a broker.
func (r *Router) Publisher(destination string, opts ...PublisherOption) (*Publisher, error) {
	if destination == "" {
		return nil, errspkg.ErrDestinationRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.included {
		return nil, errspkg.ErrRouterIncluded
	}
	pub := newPublisher(destination, opts...)
	r.publishers = append(r.publishers, pub)
	return pub, nil
}

// Use adds router level middlewares.
func (r *Router) Use(mws ...Middleware) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.included {
		return errspkg.ErrRouterIncluded
	}
	r.opts.middlewares = append(r.opts.middlewares, mws...)
	return nil
}

// take marks the router as included and returns its declarations rewritten
// for the inclusion options.
func (r *Router) take(outer routerOptions) ([]*Subscriber, []*Publisher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.included {
		return nil, nil, errspkg.ErrRouterIncluded
	}
	r.included = true

	prefix := outer.prefix + r.opts.prefix
	mws := append(append([]Middleware(nil), outer.middlewares...), r.opts.middlewares...)

	for _, sub := range r.subscribers {
		sub.source = sub.source.WithPrefix(prefix)
		sub.routerMws = append(append([]Middleware(nil), mws...), sub.routerMws...)
	}
	for _, pub := range r.publishers {
		pub.withPrefix(prefix)
		pub.routerMws = append(append([]Middleware(nil), mws...), pub.routerMws...)
	}
	return r.subscribers, r.publishers, nil
}
