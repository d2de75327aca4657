// Package model - Reflection-basierte Netzwerk-Beschreibung
//
// Dieses Modul erzeugt die Baumdarstellung eines Netzwerks fuer
// print_network: Struktur-Typen, Feldnamen aus den weight-Tags und die
// Shapes der Tensoren.
//
// Hauptkomponenten:
// - Describe: Baut die Beschreibung und zaehlt die Parameter
// - describeValue: Laeuft rekursiv ueber Strukturen, Slices und Pointer

package model

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/srflow/srflow/ml"
	"github.com/srflow/srflow/ml/nn"
)

var tensorType = reflect.TypeOf((*ml.Tensor)(nil)).Elem()

// Describe gibt die Struktur von n als eingerueckten Baum und die Anzahl
// trainierbarer Elemente zurueck
func Describe(n any) (string, int) {
	var sb strings.Builder
	v := reflect.ValueOf(n)
	fmt.Fprintf(&sb, "%s(\n", typeName(v))
	describeValue(&sb, v, 1)
	sb.WriteString(")\n")
	return sb.String(), nn.Count(n)
}

// typeName liefert den Typnamen ohne Paket und Pointer
func typeName(v reflect.Value) string {
	t := v.Type()
	if v.Kind() == reflect.Interface && !v.IsNil() {
		t = v.Elem().Type()
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// fieldName ist der Name aus dem weight-Tag, sonst der Go-Feldname
func fieldName(f reflect.StructField) string {
	if s, ok := f.Tag.Lookup("weight"); ok {
		if name, _, _ := strings.Cut(s, ","); name != "" {
			return name
		}
	}
	return f.Name
}

// describeValue schreibt die Kinder von v mit Einrueckung depth
func describeValue(sb *strings.Builder, v reflect.Value, depth int) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}

	if v.Kind() != reflect.Struct {
		return
	}

	indent := strings.Repeat("  ", depth)
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}

		fv := v.Field(i)
		name := fieldName(f)
		switch {
		case f.Type == tensorType:
			if fv.IsNil() {
				continue
			}
			fmt.Fprintf(sb, "%s(%s): Tensor%v\n", indent, name, fv.Interface().(ml.Tensor).Shape())
		case f.Anonymous:
			describeValue(sb, fv, depth)
		case fv.Kind() == reflect.Slice || fv.Kind() == reflect.Array:
			if fv.Len() == 0 {
				continue
			}
			fmt.Fprintf(sb, "%s(%s): [\n", indent, name)
			for j := range fv.Len() {
				describeChild(sb, fv.Index(j), strconv.Itoa(j), depth+1)
			}
			fmt.Fprintf(sb, "%s]\n", indent)
		case fv.Kind() == reflect.Pointer || fv.Kind() == reflect.Interface || fv.Kind() == reflect.Struct:
			describeChild(sb, fv, name, depth)
		}
	}
}

func describeChild(sb *strings.Builder, v reflect.Value, name string, depth int) {
	if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
		return
	}

	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(sb, "%s(%s): %s(\n", indent, name, typeName(v))
	describeValue(sb, v, depth+1)
	fmt.Fprintf(sb, "%s)\n", indent)
}
