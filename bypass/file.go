package bypass

import (
	"fmt"
	"os"

	"github.com/pgaskin/asarbypass/patchlib"
	"github.com/pgaskin/asarbypass/pefile"
)

// Options control PatchFile.
type Options struct {
	// Pattern to search for. If empty, DefaultPattern is used.
	Pattern patchlib.Pattern
	// Backup writes the original input to the output filename with .bak
	// appended before overwriting it.
	Backup bool
	// UpdateChecksum recomputes the PE checksum after patching.
	UpdateChecksum bool
	// DryRun locates and patches the function in memory without writing
	// anything.
	DryRun bool
}

// PatchFile patches input and writes it to output (or back to input if
// output is empty). Nothing is written if patching fails.
func PatchFile(input, output string, opts Options) (Result, error) {
	if output == "" {
		output = input
	}
	pat := opts.Pattern
	if pat.Len() == 0 {
		pat = DefaultPattern()
	}

	Log("reading %s\n", input)
	buf, err := os.ReadFile(input)
	if err != nil {
		return Result{}, &Error{Kind: KindIO, Err: fmt.Errorf("read input: %w", err)}
	}
	orig := append([]byte(nil), buf...)

	r, err := PatchPattern(buf, pat)
	if err != nil {
		return r, err
	}

	if opts.UpdateChecksum {
		prev, sum, err := pefile.UpdateChecksum(buf)
		if err != nil {
			return r, wrap(fmt.Errorf("update checksum: %w", err))
		}
		Log("updated checksum 0x%08x -> 0x%08x\n", prev, sum)
	}

	if opts.DryRun {
		Log("dry run, not writing %s\n", output)
		return r, nil
	}

	if opts.Backup {
		bak := output + ".bak"
		if output != input {
			if orig, err = os.ReadFile(output); os.IsNotExist(err) {
				orig, err = nil, nil
			} else if err != nil {
				return r, &Error{Kind: KindIO, Err: fmt.Errorf("read output for backup: %w", err)}
			}
		}
		if orig != nil {
			Log("backing up %s to %s\n", output, bak)
			if err := os.WriteFile(bak, orig, 0644); err != nil {
				return r, &Error{Kind: KindIO, Err: fmt.Errorf("write backup: %w", err)}
			}
		}
	}

	Log("writing %s\n", output)
	if err := os.WriteFile(output, buf, 0644); err != nil {
		return r, &Error{Kind: KindIO, Err: fmt.Errorf("write output: %w", err)}
	}
	return r, nil
}
