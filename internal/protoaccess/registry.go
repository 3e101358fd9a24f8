package protoaccess

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jhump/protoreflect/v2/protoprint"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Registry is the proto view of a metamodel. It is read-only after Build.
type Registry struct {
	file       protoreflect.FileDescriptor
	messages   map[string]protoreflect.MessageDescriptor
	fields     map[[2]string]protoreflect.FieldDescriptor
	enumValues map[protoreflect.FullName]string
}

func (r *Registry) File() protoreflect.FileDescriptor { return r.file }

// MessageDescriptor returns the message of a model type, or nil.
func (r *Registry) MessageDescriptor(typeName string) protoreflect.MessageDescriptor {
	return r.messages[typeName]
}

// FieldDescriptor returns the field carrying typeName.attribute, or nil.
func (r *Registry) FieldDescriptor(typeName, attribute string) protoreflect.FieldDescriptor {
	return r.fields[[2]string{typeName, attribute}]
}

// New returns an empty dynamic message for a model type.
func (r *Registry) New(typeName string) (*dynamicpb.Message, error) {
	md := r.messages[typeName]
	if md == nil {
		return nil, fmt.Errorf("no message for type %q", typeName)
	}
	return dynamicpb.NewMessage(md), nil
}

// Print writes the proto file in .proto syntax.
func (r *Registry) Print(w io.Writer) error {
	pp := protoprint.Printer{}
	return pp.PrintProtoFile(r.file, w)
}

// Render writes the proto file under outDir at its package path.
func (r *Registry) Render(outDir string) error {
	fp := filepath.Join(outDir, r.file.Path())
	if err := os.MkdirAll(filepath.Dir(fp), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(fp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return r.Print(f)
}
