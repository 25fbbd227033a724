package common

import (
	"fmt"
	"io"
	"strings"
)

// PrintTableHeader prints header of a table
func PrintTableHeader(w io.Writer, cols []string) {
	dots := make([]string, len(cols))
	for i := range dots {
		dots[i] = strings.Repeat("-", len(cols[i]))
	}
	fmt.Fprint(w, strings.Join(cols, "\t")+"\n")
	fmt.Fprint(w, strings.Join(dots, "\t")+"\n")
}
