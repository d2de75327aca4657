// Package nn - Layer-Bausteine ueber ml.Tensor
//
// Dieses Paket enthaelt die gemeinsamen Layer (Conv2D, Conv2DZeros,
// BatchNorm2D, Linear) sowie die Reflection-Logik, die Parameter eines
// Modells ueber `weight:"..."` Struct-Tags einsammelt.
//
// Hauptkomponenten:
// - Parameters: Sammelt alle Tensoren eines Modells mit vollem Namen
// - Freeze: Schaltet RequiresGrad fuer alle trainierbaren Parameter
// - ZeroGrad: Entfernt akkumulierte Gradienten
// - Count: Zaehlt trainierbare Elemente

package nn

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/srflow/srflow/ml"
)

// Param ist ein benannter Tensor eines Modells
type Param struct {
	Name string
	// Alternatives sind weitere Namen, unter denen der Tensor in aelteren
	// Checkpoints liegen kann
	Alternatives []string

	Tensor ml.Tensor

	// Buffer markiert nicht trainierbare Zustaende wie BatchNorm-Statistiken
	Buffer bool
}

// tag repraesentiert einen geparsten weight-Tag
type tag struct {
	name         string
	alternatives []string
	buffer       bool
}

// parseTag parst `weight:"name,alt:other,buffer"`. Unbekannte Optionen wie
// "optional" werden ignoriert, nil-Tensoren fallen ohnehin heraus.
func parseTag(s string) (t tag) {
	parts := strings.Split(s, ",")
	t.name = parts[0]
	for _, part := range parts[1:] {
		if value, ok := strings.CutPrefix(part, "alt:"); ok {
			t.alternatives = append(t.alternatives, value)
		}
		if part == "buffer" {
			t.buffer = true
		}
	}
	return
}

var tensorType = reflect.TypeOf((*ml.Tensor)(nil)).Elem()

// Parameters sammelt rekursiv alle getaggten Tensoren von module.
// Die Reihenfolge folgt der Felddeklaration und ist damit stabil.
func Parameters(module any) []Param {
	var params []Param
	collect(reflect.ValueOf(module), nil, &params)
	return params
}

// Trainable filtert Buffer heraus
func Trainable(module any) []Param {
	var params []Param
	for _, p := range Parameters(module) {
		if !p.Buffer {
			params = append(params, p)
		}
	}
	return params
}

func collect(v reflect.Value, tags []tag, params *[]Param) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return
		}
		collect(v.Elem(), tags, params)
	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			collect(v.Index(i), append(tags[:len(tags):len(tags)], tag{name: strconv.Itoa(i)}), params)
		}
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}

			// Kopie, damit Geschwister sich das Backing-Array nicht teilen
			fieldTags := tags[:len(tags):len(tags)]
			var tg tag
			if s, ok := f.Tag.Lookup("weight"); ok {
				tg = parseTag(s)
				if tg.name != "" {
					fieldTags = append(fieldTags, tg)
				}
			}

			fv := v.Field(i)
			if f.Type == tensorType {
				if fv.IsNil() || tg.name == "" {
					continue
				}

				names := buildNames(fieldTags)
				*params = append(*params, Param{
					Name:         names[0],
					Alternatives: names[1:],
					Tensor:       fv.Interface().(ml.Tensor),
					Buffer:       tg.buffer,
				})
				continue
			}

			collect(fv, fieldTags, params)
		}
	}
}

// buildNames bildet alle Kombinationen aus Primaer- und Alternativnamen.
// Der erste Eintrag besteht nur aus Primaernamen.
func buildNames(tags []tag) []string {
	names := []string{""}
	for _, t := range tags {
		var next []string
		for _, prefix := range names {
			for _, n := range append([]string{t.name}, t.alternatives...) {
				if prefix != "" {
					n = prefix + "." + n
				}
				next = append(next, n)
			}
		}
		names = next
	}
	return names
}

// Freeze setzt RequiresGrad fuer alle trainierbaren Parameter auf !frozen
func Freeze(module any, frozen bool) {
	for _, p := range Trainable(module) {
		p.Tensor.SetRequiresGrad(!frozen)
	}
}

// ZeroGrad entfernt die Gradienten aller Parameter
func ZeroGrad(module any) {
	for _, p := range Parameters(module) {
		p.Tensor.ZeroGrad()
	}
}

// Count gibt die Anzahl trainierbarer Elemente zurueck
func Count(module any) int {
	var n int
	for _, p := range Trainable(module) {
		n += p.Tensor.Len()
	}
	return n
}
