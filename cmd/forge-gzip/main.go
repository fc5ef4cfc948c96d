// Command forge-gzip is a sample client of the forge build cache engine: it
// walks an input directory and maintains a compressed .gz sibling of every
// regular file it finds, re-compressing only the files whose content has
// actually changed since the last run.
package main

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/forgebuild/forge/pkg/cmdutil"
	"github.com/forgebuild/forge/pkg/forge/cache"
	"github.com/forgebuild/forge/pkg/forge/config"
	"github.com/forgebuild/forge/pkg/forge/engine"
	"github.com/forgebuild/forge/pkg/forge/vfs"
	"github.com/forgebuild/forge/pkg/logging"
)

func gzipMain(command *cobra.Command, arguments []string) error {
	if len(arguments) != 1 {
		return fmt.Errorf("exactly one input directory must be specified")
	}
	input := arguments[0]

	configuration, err := config.Load(rootConfiguration.configPath)
	if err != nil {
		return fmt.Errorf("unable to load configuration: %w", err)
	}
	if rootConfiguration.cachePath != "" {
		configuration.CachePath = rootConfiguration.cachePath
	}

	logger := logging.RootLogger.Sublogger("forge-gzip")
	e := engine.New(
		cache.NewFileStore(configuration.CachePath, logger),
		configuration.StagingRoot,
		engine.WithLogger(logger),
		engine.WithFingerprintMemo(configuration.FingerprintMemo),
	)

	var bar *progressbar.ProgressBar
	total := 0
	var originalBytes, compressedBytes int64

	err = engine.Build(e, func(c *engine.Context) error {
		var targets []string
		if err := c.Walk(input, func(entry vfs.WalkEntry) error {
			for _, name := range entry.Subfiles {
				if filepath.Ext(name) == ".gz" {
					continue
				}
				targets = append(targets, filepath.Join(entry.Dir, name))
			}
			return nil
		}); err != nil {
			return err
		}

		bar = progressbar.Default(int64(len(targets)), "compressing")
		for _, path := range targets {
			path := path
			output := path + ".gz"
			if err := c.BuildFile("gzip-compress", 1, []interface{}{path}, output, func(c *engine.Context) ([]byte, error) {
				data, err := c.ReadBinary(path)
				if err != nil {
					return nil, err
				}
				var buffer bytes.Buffer
				writer, err := gzip.NewWriterLevel(&buffer, gzip.BestCompression)
				if err != nil {
					return nil, err
				}
				if _, err := writer.Write(data); err != nil {
					return nil, err
				}
				if err := writer.Close(); err != nil {
					return nil, err
				}
				originalBytes += int64(len(data))
				compressedBytes += int64(buffer.Len())
				return buffer.Bytes(), nil
			}); err != nil {
				return fmt.Errorf("unable to compress %q: %w", path, err)
			}
			total++
			bar.Add(1)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("compressed %d file(s)\n", total)
	if originalBytes > 0 {
		fmt.Printf("recompressed %s down to %s\n", humanize.Bytes(uint64(originalBytes)), humanize.Bytes(uint64(compressedBytes)))
	}
	return nil
}

var rootCommand = &cobra.Command{
	Use:   "forge-gzip <directory>",
	Short: "Maintains compressed .gz siblings of every file in a directory, incrementally",
	Args:  cobra.ExactArgs(1),
	RunE:  gzipMain,
}

var rootConfiguration struct {
	configPath string
	cachePath  string
}

func init() {
	flags := rootCommand.Flags()
	flags.StringVar(&rootConfiguration.configPath, "config", "forge.toml", "Path to an optional TOML configuration file")
	flags.StringVar(&rootConfiguration.cachePath, "cache", "", "Override the configured cache file path")
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		cmdutil.Fatal(err)
	}
}
