package app

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	payloadschema "horse.fit/incidentdedup/schema"
)

type validateTally struct {
	Files   int
	Records int
	Valid   int
	Invalid int
}

func (t *validateTally) add(valid, invalid int) {
	t.Files++
	t.Records += valid + invalid
	t.Valid += valid
	t.Invalid += invalid
}

// runValidate checks event record files against the payload schema. Files
// named as arguments are checked as given; otherwise --dir is scanned.
func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	dir := fs.String("dir", "testdata/event_records", "Directory containing .json event record files")
	recursive := fs.Bool("recursive", true, "Recursively scan subdirectories")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	files := fs.Args()
	source := strings.Join(files, ",")
	if len(files) == 0 {
		source = strings.TrimSpace(*dir)
		var err error
		if files, err = collectJSONFiles(source, *recursive); err != nil {
			fmt.Fprintf(os.Stderr, "Validation setup failed: %v\n", err)
			return 1
		}
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "Validation failed: no .json files found under %s\n", source)
		return 1
	}

	var tally validateTally
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			tally.add(0, 1)
			fmt.Fprintf(os.Stderr, "INVALID %s: read failed: %v\n", path, err)
			continue
		}
		valid, failures := validateFile(raw)
		tally.add(valid, len(failures))
		for _, failure := range failures {
			fmt.Fprintf(os.Stderr, "INVALID %s: %v\n", path, failure)
		}
	}

	fmt.Printf("validate files=%d records=%d valid=%d invalid=%d source=%s\n",
		tally.Files, tally.Records, tally.Valid, tally.Invalid, source)
	if tally.Invalid > 0 {
		return 1
	}
	return 0
}

// validateFile accepts a batch (array or {"records": [...]}) or a single
// record object. It returns the valid count and one error per bad record.
func validateFile(raw []byte) (int, []error) {
	if !json.Valid(raw) {
		return 0, []error{fmt.Errorf("malformed JSON")}
	}

	records, failures, err := payloadschema.ValidateBatch(raw)
	if err == nil {
		errs := make([]error, 0, len(failures))
		for _, failure := range failures {
			errs = append(errs, failure)
		}
		return len(records), errs
	}

	if _, err := payloadschema.ValidateEventRecord(json.RawMessage(raw)); err != nil {
		return 0, []error{err}
	}
	return 1, nil
}

// collectJSONFiles lists visible .json files under root in lexical order.
// Hidden files and directories are skipped.
func collectJSONFiles(root string, recursive bool) ([]string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("directory path is empty")
	}
	if info, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		hidden := strings.HasPrefix(d.Name(), ".")
		if d.IsDir() {
			if path != root && (hidden || !recursive) {
				return filepath.SkipDir
			}
			return nil
		}
		if !hidden && strings.EqualFold(filepath.Ext(path), ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory %s: %w", root, err)
	}
	slices.Sort(files)
	return files, nil
}
