package prob

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/sre-norns/wyrd/pkg/manifest"
)

// specTypes maps a manifest kind ("page", "http") onto the Go type its spec decodes into.
var (
	specTypesMu sync.RWMutex
	specTypes   = map[Kind]reflect.Type{}
)

// RegisterKind records the spec type of kind. proto is a value or a pointer of that type;
// registering a kind again replaces its type.
func RegisterKind(kind Kind, proto any) error {
	val := reflect.ValueOf(proto)
	if !val.IsValid() || !val.CanInterface() {
		return fmt.Errorf("spec prototype for kind %q is not a usable value", kind)
	}

	specType := val.Type()
	if specType.Kind() == reflect.Pointer {
		specType = specType.Elem()
	}

	specTypesMu.Lock()
	defer specTypesMu.Unlock()
	specTypes[kind] = specType

	return nil
}

func UnregisterKind(kind Kind) {
	specTypesMu.Lock()
	defer specTypesMu.Unlock()

	delete(specTypes, kind)
}

// InstanceOf returns a manifest of the given kind holding a pointer to a new zero spec,
// ready to be decoded into. Unregistered kinds yield manifest.ErrUnknownKind.
func InstanceOf(kind Kind) (manifest.ResourceManifest, error) {
	specTypesMu.RLock()
	specType, known := specTypes[kind]
	specTypesMu.RUnlock()

	if !known {
		return manifest.ResourceManifest{}, fmt.Errorf("%w: %q", manifest.ErrUnknownKind, kind)
	}

	return manifest.ResourceManifest{
		TypeMeta: manifest.TypeMeta{Kind: kind},
		Spec:     reflect.New(specType).Interface(),
	}, nil
}
