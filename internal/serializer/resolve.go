package serializer

import (
	"fmt"

	metamodel "github.com/hanpama/modelquery/internal/metamodel"
	selection "github.com/hanpama/modelquery/internal/selection"
)

var facets = map[string]bool{"element": true, "key": true, "index": true, "value": true}

// Resolve walks a selection path against the registry. Paths without an
// attribute interpretation return an error wrapping ErrUnresolvedPath.
func (s *Serializer) Resolve(p *selection.Path) (*metamodel.Attribute, error) {
	switch parent := p.Parent.(type) {
	case *selection.Root:
		if a, ok := s.reg.DescribeAttribute(parent.Type, p.Step); ok {
			return a, nil
		}
		return nil, fmt.Errorf("%w: %s has no attribute %q", ErrUnresolvedPath, parent.Type, p.Step)
	case *selection.Path:
		owner, err := s.Resolve(parent)
		if err != nil {
			return nil, err
		}
		return s.resolveStep(owner, p)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnresolvedPath, p)
}

func (s *Serializer) resolveStep(owner *metamodel.Attribute, p *selection.Path) (*metamodel.Attribute, error) {
	switch k := owner.Kind.(type) {
	case metamodel.Embedded, metamodel.EntityRef:
		if p.Implicit {
			return owner, nil
		}
		typeName := metamodel.TypeName(k)
		if a, ok := s.reg.DescribeAttribute(typeName, p.Step); ok {
			return a, nil
		}
		return nil, fmt.Errorf("%w: %s has no attribute %q", ErrUnresolvedPath, typeName, p.Step)
	case metamodel.Collection:
		if !facets[p.Step] {
			return nil, fmt.Errorf("%w: %q below %s", ErrUnknownCollectionFacet, p.Step, owner)
		}
		if a, ok := s.reg.DescribeCollectionFacet(owner.Owner, owner.Name, p.Step); ok {
			return a, nil
		}
		return nil, fmt.Errorf("%w: %s does not apply to %s %s", ErrUnknownCollectionFacet, p.Step, k.Nature, owner)
	case metamodel.Basic:
		if p.Implicit {
			return owner, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is a %s value", ErrUnresolvedPath, owner, owner.Kind)
}
