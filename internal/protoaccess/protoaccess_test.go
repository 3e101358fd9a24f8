package protoaccess

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	metamodel "github.com/hanpama/modelquery/internal/metamodel"
	selection "github.com/hanpama/modelquery/internal/selection"
	serializer "github.com/hanpama/modelquery/internal/serializer"
)

func loadModel(t *testing.T, name string) *metamodel.Model {
	t.Helper()
	m, err := metamodel.LoadFiles([]string{filepath.Join("..", "metamodel", "testdata", name)})
	require.NoError(t, err)
	return m
}

func buildRegistry(t *testing.T, m *metamodel.Model) *Registry {
	t.Helper()
	reg, err := Build(m, WithScalarKind("Long", protoreflect.Int64Kind))
	require.NoError(t, err)
	return reg
}

func newMessage(t *testing.T, reg *Registry, typeName string) *dynamicpb.Message {
	t.Helper()
	msg, err := reg.New(typeName)
	require.NoError(t, err)
	return msg
}

func set(msg *dynamicpb.Message, field string, v protoreflect.Value) {
	msg.Set(msg.Descriptor().Fields().ByName(protoreflect.Name(field)), v)
}

func appendTo(msg *dynamicpb.Message, field string, v protoreflect.Value) {
	fd := msg.Descriptor().Fields().ByName(protoreflect.Name(field))
	msg.Mutable(fd).List().Append(v)
}

func serializeRows(t *testing.T, m *metamodel.Model, reg *Registry, query string, rows ...any) string {
	t.Helper()
	q, err := selection.Parse(query)
	require.NoError(t, err)
	s := serializer.New(m, serializer.WithAccessor(NewAccessor(reg)))
	out, err := s.Serialize(rows, q.Shape)
	require.NoError(t, err)
	return out
}

func TestBuild_Company(t *testing.T) {
	m := loadModel(t, "company.graphql")
	reg := buildRegistry(t, m)

	require.Equal(t, protoreflect.FullName(DefaultPackage), reg.File().Package())
	require.Equal(t, "modelquery/model/model.proto", reg.File().Path())

	company := reg.MessageDescriptor("Company")
	require.NotNil(t, company)
	require.Nil(t, reg.MessageDescriptor("Unknown"))

	tests := []struct {
		attr      string
		protoName protoreflect.Name
		kind      protoreflect.Kind
		list      bool
	}{
		{"id", "id", protoreflect.Int64Kind, false},
		{"name", "name", protoreflect.StringKind, false},
		{"employees", "employees", protoreflect.MessageKind, true},
		{"address", "address", protoreflect.MessageKind, false},
	}
	for _, tt := range tests {
		t.Run(tt.attr, func(t *testing.T) {
			fd := reg.FieldDescriptor("Company", tt.attr)
			require.NotNil(t, fd)
			assert.Equal(t, tt.protoName, fd.Name())
			assert.Equal(t, tt.kind, fd.Kind())
			assert.Equal(t, tt.list, fd.IsList())
			assert.True(t, fd.Number() >= 1 && fd.Number() <= maxTag)
		})
	}

	fd := reg.FieldDescriptor("Employee", "firstName")
	require.NotNil(t, fd)
	assert.Equal(t, protoreflect.Name("first_name"), fd.Name())
	assert.True(t, fd.HasPresence())
}

func TestBuild_Animal(t *testing.T) {
	m := loadModel(t, "animal.graphql")
	reg := buildRegistry(t, m)

	require.Nil(t, reg.MessageDescriptor("Animal"), "mapped superclasses have no message")

	family := reg.FieldDescriptor("Human", "family")
	require.NotNil(t, family)
	require.True(t, family.IsMap())
	assert.Equal(t, protoreflect.StringKind, family.MapKey().Kind())
	assert.Equal(t, protoreflect.FullName("modelquery.model.Human"), family.MapValue().Message().FullName())

	scores := reg.FieldDescriptor("Human", "scores")
	require.True(t, scores.IsMap())
	assert.Equal(t, protoreflect.Int32Kind, scores.MapKey().Kind())

	weight := reg.FieldDescriptor("Pet", "bodyWeight")
	require.NotNil(t, weight, "inherited attributes are carried by subtypes")
	assert.Equal(t, protoreflect.Name("body_weight"), weight.Name())

	kind := reg.FieldDescriptor("Pet", "kind")
	require.Equal(t, protoreflect.EnumKind, kind.Kind())
	values := kind.Enum().Values()
	require.Equal(t, 3, values.Len())
	assert.Equal(t, protoreflect.EnumNumber(0), values.ByName("PET_KIND_UNSPECIFIED").Number())
	assert.NotNil(t, values.ByName("PET_KIND_CAT"))
	assert.NotNil(t, values.ByName("PET_KIND_DOG"))
}

func TestStableNumbers(t *testing.T) {
	first := stableNumbers([]string{"id", "name", "employees"})
	second := stableNumbers([]string{"employees", "id", "name", "address"})
	if diff := cmp.Diff([]int{first[1], first[2], first[0]}, second[:3]); diff != "" {
		t.Fatalf("numbers moved when a field was added (-want +got):\n%s", diff)
	}
	seen := map[int]bool{}
	for _, n := range second {
		require.False(t, seen[n], "duplicate number %d", n)
		require.False(t, n >= reservedTagStart && n <= reservedTagEnd)
		seen[n] = true
	}
}

func TestSnakeCase(t *testing.T) {
	assert.Equal(t, "first_name", snakeCase("firstName"))
	assert.Equal(t, "pet_kind", snakeCase("PetKind"))
	assert.Equal(t, "id", snakeCase("id"))
}

func TestPrintSnapshot(t *testing.T) {
	reg := buildRegistry(t, loadModel(t, "animal.graphql"))
	var buf bytes.Buffer
	require.NoError(t, reg.Print(&buf))
	actual := buf.String()
	require.Contains(t, actual, "message Human {")
	require.Contains(t, actual, "enum PetKind {")

	snapshotPath := filepath.Join("testdata", "animal.proto")
	if _, err := os.Stat(snapshotPath); os.IsNotExist(err) {
		err := os.WriteFile(snapshotPath, buf.Bytes(), 0644)
		require.NoError(t, err, "failed to write snapshot file")
		t.Logf("Created snapshot file: %s", snapshotPath)
		return
	}
	expected, err := os.ReadFile(snapshotPath)
	require.NoError(t, err, "failed to read snapshot file")
	if diff := cmp.Diff(string(expected), actual); diff != "" {
		t.Errorf("proto snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestRender(t *testing.T) {
	reg := buildRegistry(t, loadModel(t, "company.graphql"))
	dir := t.TempDir()
	require.NoError(t, reg.Render(dir))

	data, err := os.ReadFile(filepath.Join(dir, "modelquery", "model", "model.proto"))
	require.NoError(t, err)
	require.Contains(t, string(data), "package modelquery.model;")
}

func TestAccessor_Company(t *testing.T) {
	m := loadModel(t, "company.graphql")
	reg := buildRegistry(t, m)

	company := newMessage(t, reg, "Company")
	set(company, "id", protoreflect.ValueOfInt64(1))
	set(company, "name", protoreflect.ValueOfString("Red Hat"))
	address := newMessage(t, reg, "Address")
	set(address, "city", protoreflect.ValueOfString("Milan"))
	set(address, "street", protoreflect.ValueOfString("Via Gustavo Fara"))
	set(company, "address", protoreflect.ValueOfMessage(address))

	employee := newMessage(t, reg, "Employee")
	set(employee, "id", protoreflect.ValueOfInt64(7))
	set(employee, "first_name", protoreflect.ValueOfString("Alan"))
	set(employee, "company", protoreflect.ValueOfMessage(company))
	appendTo(company, "employees", protoreflect.ValueOfMessage(employee))

	want := `{"id":1,"name":"Red Hat","employees":[` +
		`{"id":7,"firstName":"Alan","lastName":null,"salary":null,"company":"Company#1"}` +
		`],"address":{"city":"Milan","street":"Via Gustavo Fara"}}`
	if diff := cmp.Diff(want, serializeRows(t, m, reg, "from Company", company)); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}

	out := serializeRows(t, m, reg, "select c.name, c.address.city from Company c",
		[]any{"Red Hat", "Milan"})
	require.Equal(t, `["Red Hat","Milan"]`, out)
}

func TestAccessor_Animal(t *testing.T) {
	m := loadModel(t, "animal.graphql")
	reg := buildRegistry(t, m)

	pet := newMessage(t, reg, "Pet")
	set(pet, "id", protoreflect.ValueOfInt64(5))
	dog := reg.FieldDescriptor("Pet", "kind").Enum().Values().ByName("PET_KIND_DOG")
	set(pet, "kind", protoreflect.ValueOfEnum(dog.Number()))

	human := newMessage(t, reg, "Human")
	set(human, "id", protoreflect.ValueOfInt64(1))
	scores := human.Mutable(reg.FieldDescriptor("Human", "scores")).Map()
	scores.Set(protoreflect.ValueOfInt32(10).MapKey(), protoreflect.ValueOfInt32(3))
	scores.Set(protoreflect.ValueOfInt32(2).MapKey(), protoreflect.ValueOfInt32(1))
	appendTo(human, "pets", protoreflect.ValueOfMessage(pet))
	appendTo(human, "nick_names", protoreflect.ValueOfString("Enchantress"))
	appendTo(human, "nick_names", protoreflect.ValueOfString("Countess"))

	out := serializeRows(t, m, reg, "select p from Pet p", pet)
	require.Equal(t, `{"id":5,"description":null,"bodyWeight":null,"kind":"DOG","owner":null}`, out)

	out = serializeRows(t, m, reg, "select h from Human h", human)
	assert.Contains(t, out, `"nickNames":["Countess","Enchantress"]`)
	assert.Contains(t, out, `"family":{}`)
	assert.Contains(t, out, `"friends":[]`)
	assert.Contains(t, out, `"pets":[{"id":5,`)
	assert.Contains(t, out, `"scores":{"2":1,"10":3}`)
}

func TestAccessor_Errors(t *testing.T) {
	m := loadModel(t, "company.graphql")
	reg := buildRegistry(t, m)
	acc := NewAccessor(reg)

	address := newMessage(t, reg, "Address")
	_, err := acc.Attribute(address, "Company", "name")
	require.ErrorIs(t, err, serializer.ErrUnexpectedValue)

	v, err := acc.Attribute(map[string]any{"name": "Red Hat"}, "Company", "name")
	require.NoError(t, err)
	require.Equal(t, "Red Hat", v)

	_, ok := acc.Elements(address)
	require.False(t, ok)
}
