package serialization

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/glimte/relaymq/contracts"
)

var (
	// ErrUnknownCodec is returned for a codec name or content type nobody registered
	ErrUnknownCodec = fmt.Errorf("%w: unknown codec", contracts.ErrSerialization)
	// ErrContentDisallowed is returned when a body's content type is not in the accept list
	ErrContentDisallowed = fmt.Errorf("%w: content type not accepted", contracts.ErrSerialization)
)

// DefaultCodec is used when no serializer is named
const DefaultCodec = "json"

// Codec converts payloads to and from message bodies
type Codec interface {
	// Name is the short name used in configuration, e.g. "json"
	Name() string
	ContentType() string
	ContentEncoding() string
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Registry maps codec names and content types to codecs
type Registry struct {
	codecs map[string]Codec
	types  map[string]string
	mu     sync.RWMutex
}

// NewRegistry creates a registry holding the json, yaml, text and raw codecs
func NewRegistry() *Registry {
	r := &Registry{
		codecs: make(map[string]Codec),
		types:  make(map[string]string),
	}
	for _, c := range []Codec{JSONCodec{}, YAMLCodec{}, TextCodec{}, RawCodec{}} {
		// built-ins never collide
		_ = r.Register(c)
	}
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry
func Default() *Registry {
	return defaultRegistry
}

// Register adds a codec. Registering the same name twice is an error.
func (r *Registry) Register(c Codec) error {
	if c == nil || c.Name() == "" {
		return fmt.Errorf("codec name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := strings.ToLower(c.Name())
	if _, exists := r.codecs[name]; exists {
		return fmt.Errorf("codec %s already registered", name)
	}

	r.codecs[name] = c
	r.types[strings.ToLower(c.ContentType())] = name
	return nil
}

// Get finds a codec by short name or content type
func (r *Registry) Get(nameOrType string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(nameOrType)
}

func (r *Registry) lookup(nameOrType string) (Codec, error) {
	key := normalize(nameOrType)
	if c, ok := r.codecs[key]; ok {
		return c, nil
	}
	if name, ok := r.types[key]; ok {
		return r.codecs[name], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, nameOrType)
}

// Names returns the registered codec names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encoded is a serialized payload with its content headers
type Encoded struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
}

// Encode serializes v with the named codec, DefaultCodec when name is empty
func (r *Registry) Encode(name string, v any) (Encoded, error) {
	if name == "" {
		name = DefaultCodec
	}
	c, err := r.Get(name)
	if err != nil {
		return Encoded{}, err
	}

	body, err := c.Encode(v)
	if err != nil {
		return Encoded{}, fmt.Errorf("%w: %s encode: %v", contracts.ErrSerialization, c.Name(), err)
	}

	return Encoded{Body: body, ContentType: c.ContentType(), ContentEncoding: c.ContentEncoding()}, nil
}

// Decode deserializes a body by its content type. accept lists the codec
// names or content types allowed; json is always accepted and an empty list
// accepts every registered codec. A body without content type is returned as raw bytes.
func (r *Registry) Decode(body []byte, contentType string, accept []string) (any, error) {
	if contentType == "" {
		return body, nil
	}

	r.mu.RLock()
	c, err := r.lookup(contentType)
	if err == nil && len(accept) > 0 {
		err = r.checkAccept(c, accept)
	}
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	v, err := c.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s decode: %v", contracts.ErrSerialization, c.Name(), err)
	}
	return v, nil
}

func (r *Registry) checkAccept(c Codec, accept []string) error {
	if c.Name() == DefaultCodec {
		return nil
	}
	for _, a := range accept {
		allowed, err := r.lookup(a)
		if err != nil {
			continue
		}
		if allowed.Name() == c.Name() {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not in %v", ErrContentDisallowed, c.ContentType(), accept)
}

// IsDisallowed reports whether err was caused by an accept-list rejection
func IsDisallowed(err error) bool {
	return errors.Is(err, ErrContentDisallowed)
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}
