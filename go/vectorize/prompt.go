package vectorize

import (
	"fmt"
	"strings"
)

// PrimaryFields are the facet values composed into an SCJN/SJF
// embedding prompt.
type PrimaryFields struct {
	Registro  string
	Anio      int
	Mes       int
	TipoTesis string
	Epoca     string
	Instancia string
	Materias  string
	Rubro     string
	Texto     string
}

// PrimaryPrompt renders the SCJN/SJF header/body embedding template.
func PrimaryPrompt(f PrimaryFields) string {
	var b strings.Builder
	b.WriteString("SCJN/SJF\n")
	fmt.Fprintf(&b, "Registro: %s\n", f.Registro)
	fmt.Fprintf(&b, "Año: %d\n", f.Anio)
	fmt.Fprintf(&b, "Mes: %d\n", f.Mes)
	fmt.Fprintf(&b, "TipoTesis: %s\n", f.TipoTesis)
	fmt.Fprintf(&b, "Época: %s\n", f.Epoca)
	fmt.Fprintf(&b, "Instancia: %s\n", f.Instancia)
	fmt.Fprintf(&b, "Materias: %s\n", f.Materias)
	fmt.Fprintf(&b, "Rubro: %s\n", f.Rubro)
	b.WriteString("\n")
	b.WriteString(f.Texto)
	return b.String()
}

// SecondaryFields are the facet values composed into a TFJA
// embedding prompt.
type SecondaryFields struct {
	Epoca string
	Anio  int
	Mes   int
	Rubro string
	Texto string
}

// SecondaryPrompt renders the TFJA header/body embedding template.
func SecondaryPrompt(f SecondaryFields) string {
	var b strings.Builder
	b.WriteString("TFJA\n")
	fmt.Fprintf(&b, "Época: %s\n", f.Epoca)
	fmt.Fprintf(&b, "Año: %d\n", f.Anio)
	fmt.Fprintf(&b, "Mes: %d\n", f.Mes)
	fmt.Fprintf(&b, "Rubro: %s\n", f.Rubro)
	b.WriteString("\n")
	b.WriteString(f.Texto)
	return b.String()
}
