package resource

// Key names one resource configuration, for example a broker alias or an
// index location plus analyzer. Keys are comparable and immutable.
type Key struct {
	kind string
	name string
}

// NewKey creates a Key for a resource kind ("broker", "index", ...) and a
// configuration name.
func NewKey(kind, name string) Key {
	return Key{kind: kind, name: name}
}

// Kind returns the resource kind.
func (k Key) Kind() string { return k.kind }

// Name returns the configuration name.
func (k Key) Name() string { return k.name }

// IsZero reports whether k is the zero Key, which can never be bound.
func (k Key) IsZero() bool { return k.kind == "" && k.name == "" }

func (k Key) String() string {
	return k.kind + ":" + k.name
}
