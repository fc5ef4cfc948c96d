// Command forge-lint is a sample client of the forge build cache engine: it
// walks a directory of source files and maintains a lint report for each
// one, demonstrating build_file_with_comparison by only rewriting a report
// when its actual findings change, not merely its generation timestamp.
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/forgebuild/forge/pkg/cmdutil"
	"github.com/forgebuild/forge/pkg/comparison"
	"github.com/forgebuild/forge/pkg/forge/cache"
	"github.com/forgebuild/forge/pkg/forge/config"
	"github.com/forgebuild/forge/pkg/forge/engine"
	"github.com/forgebuild/forge/pkg/forge/vfs"
	"github.com/forgebuild/forge/pkg/logging"
)

const maxLineLength = 100

// lint scans source for overly long lines and TODO markers, returning one
// finding string per line in a stable, content-derived order.
func lint(path string, source []byte) []string {
	var findings []string
	scanner := bufio.NewScanner(bytes.NewReader(source))
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Text()
		if len(line) > maxLineLength {
			findings = append(findings, fmt.Sprintf("%s:%d: line exceeds %d characters", path, lineNumber, maxLineLength))
		}
		if strings.Contains(line, "TODO") {
			findings = append(findings, fmt.Sprintf("%s:%d: unresolved TODO", path, lineNumber))
		}
	}
	sort.Strings(findings)
	return findings
}

// renderReport formats findings with a leading generation timestamp that
// findingsEqual deliberately ignores when deciding whether a report
// changed.
func renderReport(generatedAt string, findings []string) []byte {
	var buffer bytes.Buffer
	fmt.Fprintf(&buffer, "# generated-at: %s\n", generatedAt)
	fmt.Fprintf(&buffer, "# findings: %d\n", len(findings))
	for _, finding := range findings {
		buffer.WriteString(finding)
		buffer.WriteByte('\n')
	}
	return buffer.Bytes()
}

// findingsEqual reports whether two rendered reports carry the same
// findings, ignoring their leading "generated-at"/"findings" header lines;
// it is the comparator passed to build_file_with_comparison.
func findingsEqual(old, newReport []byte) bool {
	return comparison.StringSlicesEqual(findingLines(old), findingLines(newReport))
}

// findingLines extracts a report's finding lines, dropping the two leading
// header lines renderReport always writes.
func findingLines(report []byte) []string {
	lines := strings.Split(string(report), "\n")
	if len(lines) <= 2 {
		return nil
	}
	lines = lines[2:]
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// matchSubfiles returns the full paths of entry's subfiles whose
// slash-separated path relative to root matches pattern, a doublestar glob
// (e.g. "**/*.go"). It lets --pattern target file families other than plain
// ".go" sources without changing how lint itself works.
func matchSubfiles(root string, entry vfs.WalkEntry, pattern string) ([]string, error) {
	rel, err := filepath.Rel(root, entry.Dir)
	if err != nil {
		return nil, fmt.Errorf("unable to relativize %q: %w", entry.Dir, err)
	}
	names := lo.Filter(entry.Subfiles, func(name string, _ int) bool {
		candidate := filepath.ToSlash(filepath.Join(rel, name))
		ok, err := doublestar.Match(pattern, candidate)
		return err == nil && ok
	})
	return lo.Map(names, func(name string, _ int) string {
		return filepath.Join(entry.Dir, name)
	}), nil
}

func lintMain(command *cobra.Command, arguments []string) error {
	if len(arguments) != 1 {
		return fmt.Errorf("exactly one input directory must be specified")
	}
	input := arguments[0]

	configuration, err := config.Load(lintConfiguration.configPath)
	if err != nil {
		return fmt.Errorf("unable to load configuration: %w", err)
	}

	logger := logging.RootLogger.Sublogger("forge-lint")
	e := engine.New(
		cache.NewFileStore(configuration.CachePath, logger),
		configuration.StagingRoot,
		engine.WithLogger(logger),
		engine.WithFingerprintMemo(configuration.FingerprintMemo),
	)

	relinted := 0
	generation := 0

	err = engine.Build(e, func(c *engine.Context) error {
		var targets []string
		if err := c.Walk(input, func(entry vfs.WalkEntry) error {
			matched, err := matchSubfiles(input, entry, lintConfiguration.pattern)
			if err != nil {
				return err
			}
			targets = append(targets, matched...)
			return nil
		}); err != nil {
			return err
		}

		for _, path := range targets {
			path := path
			output := path + ".lint"
			generation++
			stamp := strconv.Itoa(generation)
			invoked := false
			err := c.BuildFileWithComparison("lint-report", 1, []interface{}{path}, output, func(c *engine.Context) ([]byte, error) {
				source, err := c.ReadBinary(path)
				if err != nil {
					return nil, err
				}
				invoked = true
				return renderReport(stamp, lint(path, source)), nil
			}, findingsEqual)
			if err != nil {
				return fmt.Errorf("unable to lint %q: %w", path, err)
			}
			if invoked {
				relinted++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("re-linted %d of %d file(s) scanned\n", relinted, generation)
	return nil
}

var rootCommand = &cobra.Command{
	Use:   "forge-lint <directory>",
	Short: "Maintains an incrementally updated lint report for every Go file in a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  lintMain,
}

var lintConfiguration struct {
	configPath string
	pattern    string
}

func init() {
	flags := rootCommand.Flags()
	flags.StringVar(&lintConfiguration.configPath, "config", "forge.toml", "Path to an optional TOML configuration file")
	flags.StringVar(&lintConfiguration.pattern, "pattern", "**/*.go", "Doublestar glob (relative to the input directory) selecting which files to lint")
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		cmdutil.Fatal(err)
	}
}
