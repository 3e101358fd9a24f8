package protoaccess

import (
	"hash/fnv"
	"sort"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"google.golang.org/protobuf/reflect/protoreflect"
)

const (
	maxTag           = 31767
	reservedTagStart = 19000
	reservedTagEnd   = 19999
)

func allocateFieldNumbers(fields []*protobuilder.FieldBuilder) {
	names := make([]string, len(fields))
	for i, fb := range fields {
		names[i] = string(fb.Name())
	}
	for i, n := range stableNumbers(names) {
		fields[i].SetNumber(protoreflect.FieldNumber(n))
	}
}

func allocateEnumValueNumbers(values []*protobuilder.EnumValueBuilder) {
	names := make([]string, len(values))
	for i, evb := range values {
		names[i] = string(evb.Name())
	}
	for i, n := range stableNumbers(names) {
		values[i].SetNumber(protoreflect.EnumNumber(n))
	}
}

// stableNumbers derives a tag for every name from its FNV-1a hash, so adding
// an attribute does not renumber the others. Collisions and the reserved
// 19000-19999 block are resolved by linear probing over the names in lexical
// order.
func stableNumbers(names []string) []int {
	if len(names) == 0 {
		return nil
	}
	order := make([]int, len(names))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return names[order[i]] < names[order[j]] })

	out := make([]int, len(names))
	used := make(map[int]bool, len(names))
	for _, idx := range order {
		cand := int(fnv32(names[idx])%maxTag) + 1
		for used[cand] || (cand >= reservedTagStart && cand <= reservedTagEnd) {
			if cand >= reservedTagStart && cand <= reservedTagEnd {
				cand = reservedTagEnd + 1
				continue
			}
			cand++
			if cand > maxTag {
				cand = 1
			}
		}
		used[cand] = true
		out[idx] = cand
	}
	return out
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
