package runtime

import (
	"context"
	"fmt"

	"github.com/risor-io/risor/object"
)

const defaultNameLimit = 100

// names_by_prefix(lang, prefix[, limit]) lists toplevel names from the
// stdlib and catalog zones as {name, kind, blob, line} maps.
func makeNamesByPrefixFn(idx Index) *object.Builtin {
	return object.NewBuiltin("names_by_prefix", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 && len(args) != 3 {
			return object.Errorf("names_by_prefix: expected 2 or 3 arguments, got %d", len(args))
		}
		lang, err := toString(args[0])
		if err != nil {
			return object.Errorf("names_by_prefix: lang %v", err)
		}
		prefix, err := toString(args[1])
		if err != nil {
			return object.Errorf("names_by_prefix: prefix %v", err)
		}
		limit := defaultNameLimit
		if len(args) == 3 {
			n, err := toInt64(args[2])
			if err != nil {
				return object.Errorf("names_by_prefix: limit %v", err)
			}
			limit = int(n)
		}

		hits, err := idx.NamesByPrefix(lang, prefix, limit)
		if err != nil {
			return object.Errorf("names_by_prefix: %v", err)
		}
		results := make([]object.Object, 0, len(hits))
		for _, h := range hits {
			results = append(results, object.NewMap(map[string]object.Object{
				"name": object.NewString(h.Name),
				"kind": object.NewString(h.Kind),
				"blob": object.NewString(h.Blob),
				"line": object.NewInt(int64(h.Line)),
			}))
		}
		return object.NewList(results)
	})
}

// blobs_by_prefix(lang, prefix) lists importable module names.
func makeBlobsByPrefixFn(idx Index) *object.Builtin {
	return object.NewBuiltin("blobs_by_prefix", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("blobs_by_prefix", 2, len(args))
		}
		lang, err := toString(args[0])
		if err != nil {
			return object.Errorf("blobs_by_prefix: lang %v", err)
		}
		prefix, err := toString(args[1])
		if err != nil {
			return object.Errorf("blobs_by_prefix: prefix %v", err)
		}

		blobs, err := idx.BlobsByPrefix(lang, prefix)
		if err != nil {
			return object.Errorf("blobs_by_prefix: %v", err)
		}
		results := make([]object.Object, 0, len(blobs))
		for _, b := range blobs {
			results = append(results, object.NewString(b))
		}
		return object.NewList(results)
	})
}

func toInt64(obj object.Object) (int64, error) {
	switch v := obj.(type) {
	case *object.Int:
		return v.Value(), nil
	case *object.Float:
		return int64(v.Value()), nil
	}
	return 0, fmt.Errorf("expected int, got %s", obj.Type())
}

func toString(obj object.Object) (string, error) {
	if s, ok := obj.(*object.String); ok {
		return s.Value(), nil
	}
	return "", fmt.Errorf("expected string, got %s", obj.Type())
}
