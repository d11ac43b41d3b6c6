// Package schemafile loads registry schemas from YAML definitions.
package schemafile

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/artpar/csmclient/domain/field"
	"github.com/artpar/csmclient/ports"
)

//go:embed default_schema.yaml
var defaultSchema []byte

// document is the on-disk form of a schema.
type document struct {
	Version struct {
		Major int     `yaml:"major"`
		Minor float64 `yaml:"minor"`
	} `yaml:"version"`
	Fields []fieldDoc `yaml:"fields"`
}

type fieldDoc struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
	Min      *int64 `yaml:"min"`
	Max      *int64 `yaml:"max"`
	Length   *int   `yaml:"length"`
	Subtype  string `yaml:"subtype"`
}

// Parse parses a schema definition from YAML bytes.
func Parse(data []byte) (ports.SchemaDefinition, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ports.SchemaDefinition{}, fmt.Errorf("parse yaml: %w", err)
	}

	def := ports.SchemaDefinition{
		Major:  doc.Version.Major,
		Minor:  doc.Version.Minor,
		Fields: make([]ports.FieldMeta, 0, len(doc.Fields)),
	}
	seen := make(map[string]bool, len(doc.Fields))
	for i, fd := range doc.Fields {
		meta, err := fd.meta()
		if err != nil {
			return ports.SchemaDefinition{}, fmt.Errorf("field %d (%s): %w", i, fd.Name, err)
		}
		if seen[meta.Name] {
			return ports.SchemaDefinition{}, fmt.Errorf("field %q declared twice", meta.Name)
		}
		seen[meta.Name] = true
		def.Fields = append(def.Fields, meta)
	}
	return def, nil
}

func (fd fieldDoc) meta() (ports.FieldMeta, error) {
	if fd.Name == "" {
		return ports.FieldMeta{}, fmt.Errorf("name is required")
	}
	typ, err := field.ParseType(fd.Type)
	if err != nil {
		return ports.FieldMeta{}, err
	}
	meta := ports.FieldMeta{Name: fd.Name, Type: typ, Required: fd.Required}

	switch typ {
	case field.TypeInt:
		if fd.Min != nil {
			meta.Min, meta.HasMin = *fd.Min, true
		}
		if fd.Max != nil {
			meta.Max, meta.HasMax = *fd.Max, true
		}
		if meta.HasMin && meta.HasMax && meta.Min > meta.Max {
			return ports.FieldMeta{}, fmt.Errorf("min %d is greater than max %d", meta.Min, meta.Max)
		}
	case field.TypeString, field.TypeHex:
		if fd.Length != nil {
			if *fd.Length < 0 {
				return ports.FieldMeta{}, fmt.Errorf("negative length %d", *fd.Length)
			}
			meta.Length, meta.HasLength = *fd.Length, true
		}
	case field.TypeList:
		if fd.Subtype == "" {
			return ports.FieldMeta{}, fmt.Errorf("list fields need a subtype")
		}
		sub, err := field.ParseType(fd.Subtype)
		if err != nil {
			return ports.FieldMeta{}, fmt.Errorf("subtype: %w", err)
		}
		if !sub.ValidSubtype() {
			return ports.FieldMeta{}, fmt.Errorf("lists of %s are not supported", sub)
		}
		meta.Subtype = sub
	}
	return meta, nil
}

// Default returns the built-in Commotion service schema.
func Default() ports.SchemaDefinition {
	def, err := Parse(defaultSchema)
	if err != nil {
		panic(fmt.Sprintf("schemafile: embedded default schema: %v", err))
	}
	return def
}

// File is a ports.SchemaSource that re-reads a YAML file on every Load, so
// edits take effect on the next catalog fetch.
type File struct {
	Path string
}

// Load reads and parses the schema file.
func (f File) Load(ctx context.Context) (ports.SchemaDefinition, error) {
	if err := ctx.Err(); err != nil {
		return ports.SchemaDefinition{}, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return ports.SchemaDefinition{}, fmt.Errorf("read schema %s: %w", f.Path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return ports.SchemaDefinition{}, fmt.Errorf("schema %s: %w", f.Path, err)
	}
	return def, nil
}

// Static is a ports.SchemaSource serving a fixed definition.
type Static struct {
	Def ports.SchemaDefinition
}

// Load returns the fixed definition.
func (s Static) Load(ctx context.Context) (ports.SchemaDefinition, error) {
	if err := ctx.Err(); err != nil {
		return ports.SchemaDefinition{}, err
	}
	return s.Def, nil
}

// Source returns a File source for path, or the default schema when path
// is empty.
func Source(path string) ports.SchemaSource {
	if path == "" {
		return Static{Def: Default()}
	}
	return File{Path: path}
}

// Ensure interface compliance.
var (
	_ ports.SchemaSource = File{}
	_ ports.SchemaSource = Static{}
)
