package metamodel

// Kind classifies the value held by an attribute. The set of kinds is closed:
// Basic, Embedded, EntityRef and Collection.
type Kind interface {
	String() string
	isKind()
}

// Basic is a scalar or enum value converted to text by its scalar's converter.
type Basic struct {
	Scalar string
}

// Embedded is a composite value without identity.
type Embedded struct {
	Type string
}

// EntityRef is a reference to an entity with its own identifier.
type EntityRef struct {
	Entity string
}

// Nature tells how a collection orders and keys its elements.
type Nature int

const (
	List Nature = iota
	Set
	Map
	SortedMap
)

func (n Nature) String() string {
	switch n {
	case List:
		return "List"
	case Set:
		return "Set"
	case Map:
		return "Map"
	case SortedMap:
		return "SortedMap"
	}
	return "Unknown"
}

// Keyed reports whether entries of the collection carry a key.
func (n Nature) Keyed() bool { return n == Map || n == SortedMap }

// Collection is a plural attribute. Key is set only for keyed natures.
type Collection struct {
	Nature  Nature
	Element Kind
	Key     Kind
}

func (Basic) isKind()      {}
func (Embedded) isKind()   {}
func (EntityRef) isKind()  {}
func (Collection) isKind() {}

func (k Basic) String() string     { return k.Scalar }
func (k Embedded) String() string  { return k.Type }
func (k EntityRef) String() string { return k.Entity }
func (k Collection) String() string {
	if k.Nature.Keyed() {
		return k.Nature.String() + "<" + k.Key.String() + ", " + k.Element.String() + ">"
	}
	return k.Nature.String() + "<" + k.Element.String() + ">"
}

// TypeName returns the name of the managed type a kind points at, or "" for
// basic values and collections.
func TypeName(k Kind) string {
	switch k := k.(type) {
	case Embedded:
		return k.Type
	case EntityRef:
		return k.Entity
	}
	return ""
}
