package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// JSONPrinter prints JSON, one document per result.
type JSONPrinter struct {
	Out io.Writer
	// Compact prints each document on one line, for event streams.
	Compact bool
}

// Print renders JSON output.
func (p JSONPrinter) Print(v any) error {
	out := p.Out
	if out == nil {
		out = os.Stdout
	}
	var (
		payload []byte
		err     error
	)
	if p.Compact {
		payload, err = json.Marshal(v)
	} else {
		payload, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(payload))
	return err
}
