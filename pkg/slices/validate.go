package slices

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidValue is returned when a slice value does not match its shape.
var ErrInvalidValue = errors.New("slices: value does not match slice schema")

var (
	compileOnce sync.Once
	compiled    map[Key]*jsonschema.Schema
	containers  map[Key]*jsonschema.Schema
	compileErr  error
)

func compileAll() {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	for _, spec := range catalog {
		container, err := containerSchema(spec.JSONSchema)
		if err != nil {
			compileErr = fmt.Errorf("container schema %s: %w", spec.Key, err)
			return
		}
		if err := compiler.AddResource(schemaURL(spec.Key, ""), strings.NewReader(spec.JSONSchema)); err != nil {
			compileErr = fmt.Errorf("add schema %s: %w", spec.Key, err)
			return
		}
		if err := compiler.AddResource(schemaURL(spec.Key, "container"), strings.NewReader(container)); err != nil {
			compileErr = fmt.Errorf("add container schema %s: %w", spec.Key, err)
			return
		}
	}
	full := make(map[Key]*jsonschema.Schema, len(catalog))
	outer := make(map[Key]*jsonschema.Schema, len(catalog))
	for _, spec := range catalog {
		schema, err := compiler.Compile(schemaURL(spec.Key, ""))
		if err != nil {
			compileErr = fmt.Errorf("compile schema %s: %w", spec.Key, err)
			return
		}
		full[spec.Key] = schema
		if outer[spec.Key], err = compiler.Compile(schemaURL(spec.Key, "container")); err != nil {
			compileErr = fmt.Errorf("compile container schema %s: %w", spec.Key, err)
			return
		}
	}
	compiled, containers = full, outer
}

func schemaURL(key Key, variant string) string {
	if variant != "" {
		return "hearth://slices/" + string(key) + "." + variant + ".json"
	}
	return "hearth://slices/" + string(key) + ".json"
}

// containerSchema keeps only the top-level "type" of a slice schema.
func containerSchema(schema string) (string, error) {
	var doc struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal([]byte(schema), &doc); err != nil {
		return "", err
	}
	if len(doc.Type) == 0 {
		return `{}`, nil
	}
	return `{"type":` + string(doc.Type) + `}`, nil
}

// Validate checks raw JSON against the slice's declared shape.
func Validate(key Key, raw []byte) error {
	return validate(key, raw, func() map[Key]*jsonschema.Schema { return compiled })
}

// ValidateContainer checks only the outer JSON type of raw: array, object
// or scalar as the slice declares. Item fields are not inspected, so data
// written by older app versions passes as long as its container matches.
func ValidateContainer(key Key, raw []byte) error {
	return validate(key, raw, func() map[Key]*jsonschema.Schema { return containers })
}

func validate(key Key, raw []byte, schemas func() map[Key]*jsonschema.Schema) error {
	if _, ok := byKey[key]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSlice, key)
	}
	compileOnce.Do(compileAll)
	if compileErr != nil {
		return compileErr
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
	}
	if err := schemas()[key].Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidValue, key, describe(err))
	}
	return nil
}

func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	collect(ve, &msgs)
	return strings.Join(msgs, "; ")
}

func collect(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, loc+": "+ve.Message)
		return
	}
	for _, cause := range ve.Causes {
		collect(cause, out)
	}
}
