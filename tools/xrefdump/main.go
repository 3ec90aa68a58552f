// Command xrefdump lists every instruction referencing a string in a PE
// executable, along with the function range recovered for each one.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pgaskin/asarbypass/bypass"
	"github.com/pgaskin/asarbypass/funcbounds"
	"github.com/pgaskin/asarbypass/patchlib"
	"github.com/pgaskin/asarbypass/xref"
)

type xrefInfo struct {
	RefVA string `json:"ref_va"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Size  int    `json:"size,omitempty"`
	Error string `json:"error,omitempty"`
}

func main() {
	if len(os.Args) != 2 && len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "xrefdump dumps the references to a string from a PE executable")
		fmt.Fprintln(os.Stderr, "Usage: xrefdump BINARY_FILE [STRING]")
		os.Exit(1)
	}

	buf, err := os.ReadFile(os.Args[1])
	if err != nil {
		panic(err)
	}

	pat := bypass.DefaultPattern()
	if len(os.Args) == 3 {
		pat = patchlib.StringPattern(os.Args[2])
	}

	xs, err := dump(buf, pat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", bypass.KindOf(err), err)
		os.Exit(1)
	}

	fmt.Printf("[\n")
	for i, x := range xs {
		if i != 0 {
			fmt.Printf(",\n")
		}
		buf, _ := json.Marshal(x)
		os.Stdout.Write(buf)
	}
	fmt.Printf("\n]\n")
}

func dump(buf []byte, pat patchlib.Pattern) ([]xrefInfo, error) {
	off := patchlib.FindPattern(buf, pat)
	if off < 0 {
		return nil, bypass.ErrStringNotFound
	}

	s, f, err := xref.NewForOffset(buf, uint64(off))
	if err != nil {
		return nil, err
	}

	vas, err := s.All()
	if err != nil {
		return nil, err
	}

	xs := []xrefInfo{}
	for _, va := range vas {
		x := xrefInfo{RefVA: fmt.Sprintf("0x%x", va)}
		if r, err := funcbounds.Recover(f, va, buf); err != nil {
			x.Error = err.Error()
		} else {
			x.Start, x.End, x.Size = fmt.Sprintf("0x%x", r.Start), fmt.Sprintf("0x%x", r.End), r.Len()
		}
		xs = append(xs, x)
	}
	return xs, nil
}
