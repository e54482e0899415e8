package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jward/codeintel/internal/cix"
	"github.com/jward/codeintel/internal/lexer"
	"github.com/jward/codeintel/internal/scanner"
)

var (
	flagLanguage string
	flagEncoding string
)

var scanCmd = &cobra.Command{
	Use:   "scan FILE...",
	Short: "Scan files and print their scope trees",
	Long:  "Scans each file with the scanner for its language and prints the resulting scope trees. Files with syntax errors are printed with the error recorded.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScan,
}

var outlineCmd = &cobra.Command{
	Use:   "outline FILE",
	Short: "Print an indented outline of a file's scopes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := scanFile(cmd, args[0])
		if f == nil {
			return err
		}
		formatOutline(cmd.OutOrStdout(), f)
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{scanCmd, outlineCmd} {
		c.Flags().StringVar(&flagLanguage, "language", "", "language name (default: guessed from the file extension)")
		c.Flags().StringVar(&flagEncoding, "encoding", "", "source encoding (default: utf-8)")
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	var files []*cix.File
	var errs []error
	for _, path := range args {
		f, err := scanFile(cmd, path)
		if err != nil {
			errs = append(errs, err)
		}
		if f != nil {
			files = append(files, f)
		}
	}
	if err := outputFiles(cmd.OutOrStdout(), files); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// scanFile scans one file. A syntax error returns the partial tree together
// with the error.
func scanFile(cmd *cobra.Command, path string) (*cix.File, error) {
	lang := flagLanguage
	if lang == "" {
		var ok bool
		if lang, ok = lexer.LanguageForFile(path); !ok {
			return nil, fmt.Errorf("%s: unknown language, use --language", path)
		}
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := scanner.Scan(cmd.Context(), src, lang, path, flagEncoding)
	if err != nil {
		err = fmt.Errorf("%s: %w", path, err)
	}
	return f, err
}

func outputFiles(w io.Writer, files []*cix.File) error {
	switch flagFormat {
	case "text":
		for _, f := range files {
			formatOutline(w, f)
		}
		return nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(files); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(files)
}

// formatOutline prints one line per scope, indented by depth. Arguments are
// left out; they show in the signature. Blobs span the file and carry no
// line.
func formatOutline(w io.Writer, f *cix.File) {
	fmt.Fprintf(w, "%s (%s)\n", f.Path, f.Lang)
	if f.Error != "" {
		fmt.Fprintf(w, "  error at line %d: %s\n", f.ErrorLine, f.Error)
	}
	for _, b := range f.Blobs {
		outlineScope(w, b, 1)
	}
}

func outlineScope(w io.Writer, s *cix.Scope, depth int) {
	line := fmt.Sprintf("%s%s %s", strings.Repeat("  ", depth), s.Kind, s.Name)
	if s.Line > 0 && s.Kind != cix.KindBlob {
		line += fmt.Sprintf(" :%d", s.Line)
	}
	if s.Signature != "" {
		line += "  " + s.Signature
	}
	if len(s.Attributes) > 0 {
		line += "  [" + strings.Join(s.Attributes, " ") + "]"
	}
	fmt.Fprintln(w, line)
	for _, c := range s.Children {
		if c.Kind == cix.KindArgument {
			continue
		}
		outlineScope(w, c, depth+1)
	}
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "yaml", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be one of %s", format, strings.Join(validFormats, ", "))
}
